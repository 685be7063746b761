package dal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	proxymysql "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"github.com/a1g0-creator/ct-bot-sub000/config"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

var ErrNotInitialized = errors.New("dal: database not initialized")

type GormLogger struct{}

func (l GormLogger) Printf(f string, args ...any) {
	logger.Printf(f, args...)
}

var (
	db     *gorm.DB
	dbOnce sync.Once
	dbErr  error
)

// InitDB 全局连接，只初始化一次
func InitDB(cfg config.Database) error {
	dbOnce.Do(func() {
		db, dbErr = Open(cfg)
	})
	return dbErr
}

func DB() *gorm.DB {
	return db
}

// registerProxyDialer 注册 SOCKS5 代理拨号器
func registerProxyDialer(proxyAddr string) error {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{})
	if err != nil {
		return fmt.Errorf("create proxy dialer failed: %w", err)
	}

	proxymysql.RegisterDialContext("dial", func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.Dial("tcp", addr)
	})

	return nil
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite, "":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("dal: unsupported driver %q", driver)
}

// Open 按配置打开数据库并迁移表结构
func Open(cfg config.Database) (*gorm.DB, error) {
	if cfg.Driver == DriverMySQL && cfg.ProxyEnabled {
		if err := registerProxyDialer(cfg.ProxyAddr); err != nil {
			return nil, err
		}
		logger.Infof("mysql proxy enabled: %s", cfg.ProxyAddr)
	}
	if cfg.Driver != DriverMySQL {
		if dir := filepath.Dir(cfg.DSN); dir != "." && !isMemoryDSN(cfg.DSN) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	d, err := dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	newLogger := gormlogger.New(
		GormLogger{}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	conn, err := gorm.Open(d, &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: cfg.Driver == DriverMySQL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s failed: %w", cfg.Driver, err)
	}

	maxIdleTime := time.Hour
	if cfg.ConnMaxIdleTime > 0 {
		maxIdleTime = time.Duration(cfg.ConnMaxIdleTime) * time.Second
	}
	maxLifetime := 2 * time.Hour
	if cfg.ConnMaxLifetime > 0 {
		maxLifetime = time.Duration(cfg.ConnMaxLifetime) * time.Second
	}

	// 读写分离
	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for _, dsn := range cfg.Replicas {
			r, err := dialector(cfg.Driver, dsn)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, r)
		}
		plugin := dbresolver.Register(dbresolver.Config{Replicas: replicas, TraceResolverMode: true}).
			SetConnMaxIdleTime(maxIdleTime).
			SetConnMaxLifetime(maxLifetime).
			SetMaxIdleConns(cfg.MaxIdleConnections).
			SetMaxOpenConns(cfg.MaxOpenConnections)
		if err = conn.Use(plugin); err != nil {
			return nil, fmt.Errorf("register dbresolver failed: %w", err)
		}
		logger.Infof("%d replica(s) configured", len(cfg.Replicas))
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB failed: %w", err)
	}
	if cfg.MaxIdleConnections > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	if cfg.MaxOpenConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConnections)
	}
	sqlDB.SetConnMaxIdleTime(maxIdleTime)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	if err = AutoMigrate(conn); err != nil {
		return nil, err
	}

	logger.Info().
		Str("driver", cfg.Driver).
		Int("max_idle", cfg.MaxIdleConnections).
		Int("max_open", cfg.MaxOpenConnections).
		Msg("database connected")
	return conn, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

func Close() {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error().Err(err).Msg("get sql.DB failed")
		return
	}
	if err = sqlDB.Close(); err != nil {
		logger.Error().Err(err).Msg("close database failed")
	}
	logger.Infof("database closed.")
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(conn *gorm.DB) error {
	if conn == nil {
		return ErrNotInitialized
	}
	for _, model := range models.All() {
		if err := conn.AutoMigrate(model); err != nil {
			return fmt.Errorf("auto migrate %s: %w", tableName(model), err)
		}
		log.Debug().Str("table", tableName(model)).Msg("auto migrate success")
	}
	return nil
}

func tableName(model any) string {
	if t, ok := model.(interface{ TableName() string }); ok {
		return t.TableName()
	}
	return "unknown"
}
