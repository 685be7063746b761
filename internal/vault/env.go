package vault

import (
	"context"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

// EnvVault 环境变量凭证：ACCOUNT_<id>_API_KEY 优先，
// 其次 target 账户读 MAIN_*，donor 账户读 SOURCE_*
type EnvVault struct {
	targetID int64
	donorID  int64
	extra    map[string]string
}

// NewEnvVault files 为额外的 env 文件，进程环境变量优先
func NewEnvVault(targetID, donorID int64, files ...string) (*EnvVault, error) {
	v := &EnvVault{targetID: targetID, donorID: donorID}
	if len(files) > 0 {
		m, err := godotenv.Read(files...)
		if err != nil {
			return nil, err
		}
		v.extra = m
	}
	return v, nil
}

func (v *EnvVault) lookup(key string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return v.extra[key]
}

func (v *EnvVault) pair(prefix string) exchange.Credentials {
	return exchange.Credentials{
		APIKey:    v.lookup(prefix + "_API_KEY"),
		APISecret: v.lookup(prefix + "_API_SECRET"),
		Source:    SourceEnv,
	}
}

func (v *EnvVault) GetAccountCredentials(_ context.Context, accountID int64) (exchange.Credentials, bool, error) {
	if c := v.pair("ACCOUNT_" + strconv.FormatInt(accountID, 10)); c.Valid() {
		return c, true, nil
	}
	var prefix string
	switch accountID {
	case v.targetID:
		prefix = "MAIN"
	case v.donorID:
		prefix = "SOURCE"
	default:
		return exchange.Credentials{}, false, nil
	}
	c := v.pair(prefix)
	return c, c.Valid(), nil
}
