package vault

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

const (
	SourceVault = "vault"
	SourceEnv   = "env"
)

// Vault 按账户读取交易所凭证，found=false 表示该来源没有记录
type Vault interface {
	GetAccountCredentials(ctx context.Context, accountID int64) (exchange.Credentials, bool, error)
}

// Chain 依次查询多个来源，返回第一个有效凭证
type Chain struct {
	sources []Vault
	log     zerolog.Logger
}

func NewChain(log zerolog.Logger, sources ...Vault) *Chain {
	return &Chain{sources: sources, log: log}
}

func (c *Chain) GetAccountCredentials(ctx context.Context, accountID int64) (exchange.Credentials, bool, error) {
	var lastErr error
	for _, src := range c.sources {
		if src == nil {
			continue
		}
		creds, ok, err := src.GetAccountCredentials(ctx, accountID)
		if err != nil {
			c.log.Warn().Err(err).Int64("account_id", accountID).Msg("credential source failed, trying next")
			lastErr = err
			continue
		}
		if ok && creds.Valid() {
			c.log.Info().Int64("account_id", accountID).Str("source", creds.Source).Str("key", creds.Hint()).Msg("credentials resolved")
			return creds, true, nil
		}
	}
	if lastErr != nil {
		return exchange.Credentials{}, false, fmt.Errorf("resolve credentials for account %d: %w", accountID, lastErr)
	}
	return exchange.Credentials{}, false, nil
}
