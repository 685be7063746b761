package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

const (
	pbkdf2Iterations = 200_000
	keyLen           = 32

	EnvMasterKey  = "BOT_MASTER_KEY"
	EnvMasterSalt = "BOT_MASTER_SALT"
)

var (
	ErrNoMasterKey = errors.New("vault: master key or salt not set")
	ErrCiphertext  = errors.New("vault: ciphertext too short")
)

// DBVault 数据库保存 AES-256-GCM 加密的凭证。
// 主密钥经 PBKDF2 派生，每个字段再用 HKDF 按账户和字段名派生独立密钥。
type DBVault struct {
	db   *gorm.DB
	root []byte
}

func NewDBVault(db *gorm.DB, masterKey, salt string) (*DBVault, error) {
	if masterKey == "" || salt == "" {
		return nil, ErrNoMasterKey
	}
	return &DBVault{
		db:   db,
		root: pbkdf2.Key([]byte(masterKey), []byte(salt), pbkdf2Iterations, keyLen, sha256.New),
	}, nil
}

func (v *DBVault) fieldKey(accountID int64, field string) ([]byte, error) {
	info := "account:" + strconv.FormatInt(accountID, 10) + ":" + field
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.root, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (v *DBVault) gcm(accountID int64, field string) (cipher.AEAD, error) {
	key, err := v.fieldKey(accountID, field)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal 输出 nonce||ciphertext，账户 id 作为附加认证数据
func (v *DBVault) seal(accountID int64, field, plain string) ([]byte, error) {
	aead, err := v.gcm(accountID, field)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	aad := []byte(strconv.FormatInt(accountID, 10))
	return aead.Seal(nonce, nonce, []byte(plain), aad), nil
}

func (v *DBVault) open(accountID int64, field string, data []byte) (string, error) {
	aead, err := v.gcm(accountID, field)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", ErrCiphertext
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(strconv.FormatInt(accountID, 10)))
	if err != nil {
		return "", fmt.Errorf("vault: decrypt %s: %w", field, err)
	}
	return string(plain), nil
}

// Store 写入或覆盖账户凭证
func (v *DBVault) Store(ctx context.Context, accountID int64, creds exchange.Credentials) error {
	if !creds.Valid() {
		return exchange.ErrMissingCredentials
	}
	encKey, err := v.seal(accountID, "api_key", creds.APIKey)
	if err != nil {
		return err
	}
	encSecret, err := v.seal(accountID, "api_secret", creds.APISecret)
	if err != nil {
		return err
	}
	rec := &models.APICredential{
		AccountID: accountID,
		KeyHint:   creds.Hint(),
		EncKey:    encKey,
		EncSecret: encSecret,
		Active:    true,
	}
	return v.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"key_hint", "enc_key", "enc_secret", "active", "updated_at"}),
	}).Create(rec).Error
}

// Deactivate 停用后解析回落到下一个来源
func (v *DBVault) Deactivate(ctx context.Context, accountID int64) error {
	return v.db.WithContext(ctx).Model(&models.APICredential{}).
		Where("account_id = ?", accountID).
		Update("active", false).Error
}

func (v *DBVault) GetAccountCredentials(ctx context.Context, accountID int64) (exchange.Credentials, bool, error) {
	var rec models.APICredential
	err := v.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exchange.Credentials{}, false, nil
	}
	if err != nil {
		return exchange.Credentials{}, false, err
	}

	key, err := v.open(accountID, "api_key", rec.EncKey)
	if err != nil {
		return exchange.Credentials{}, false, err
	}
	secret, err := v.open(accountID, "api_secret", rec.EncSecret)
	if err != nil {
		return exchange.Credentials{}, false, err
	}
	return exchange.Credentials{APIKey: key, APISecret: secret, Source: SourceVault}, true, nil
}
