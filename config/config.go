package config

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

type Bot struct {
	TargetAccountID  int64   `toml:"target_account_id"`
	DonorAccountID   int64   `toml:"donor_account_id"`
	RESTURL          string  `toml:"rest_url"`
	PrivateWSURL     string  `toml:"private_ws_url"`
	Category         string  `toml:"category"`
	HealthServerAddr string  `toml:"health_server_addr"`
	CopyRatio        float64 `toml:"copy_ratio"`
	CopyLeverage     bool    `toml:"copy_leverage"`
	BumpToMinQty     bool    `toml:"bump_to_min_qty"`
	// 余额轮询 / REST 对账间隔
	BalancePollInterval time.Duration `toml:"balance_poll_interval"`
	ReconcileInterval   time.Duration `toml:"reconcile_interval"`
	ActionDedupWindow   time.Duration `toml:"action_dedup_window"`
}

type Feed struct {
	PingInterval      time.Duration `toml:"ping_interval"`
	PongGrace         time.Duration `toml:"pong_grace"`
	AuthTimeout       time.Duration `toml:"auth_timeout"`
	SubscribeTimeout  time.Duration `toml:"subscribe_timeout"`
	EscalationTimeout time.Duration `toml:"escalation_timeout"`
	BackoffMin        time.Duration `toml:"backoff_min"`
	BackoffMax        time.Duration `toml:"backoff_max"`
	DispatchPoolSize  int           `toml:"dispatch_pool_size"`
	Topics            []string      `toml:"topics"`
}

type Router struct {
	QueueSize     int           `toml:"queue_size"`
	DeferredLimit int           `toml:"deferred_limit"`
	BufferSize    int           `toml:"buffer_size"`
	ProcessedTTL  time.Duration `toml:"processed_ttl"`
	PauseTimeout  time.Duration `toml:"pause_timeout"`
}

type Risk struct {
	MaxTotalDrawdown       float64       `toml:"max_total_drawdown"`
	MaxDailyDrawdown       float64       `toml:"max_daily_drawdown"`
	Hysteresis             float64       `toml:"hysteresis"`
	ConfirmReads           int           `toml:"confirm_reads"`
	DataStaleTTL           time.Duration `toml:"data_stale_ttl"`
	FailWindow             time.Duration `toml:"fail_window"`
	FailuresForRecovery    int           `toml:"failures_for_recovery"`
	RecoverySizeMultiplier float64       `toml:"recovery_size_multiplier"`
	AlertLevels            []float64     `toml:"alert_levels"`

	KellyMinTrades       int     `toml:"kelly_min_trades"`
	KellyHistorySize     int     `toml:"kelly_history_size"`
	KellyConservative    float64 `toml:"kelly_conservative"`
	KellyMaxFraction     float64 `toml:"kelly_max_fraction"`
	KellyMinFraction     float64 `toml:"kelly_min_fraction"`
	KellyDefaultFraction float64 `toml:"kelly_default_fraction"`

	TrailingEnabled bool    `toml:"trailing_enabled"`
	TrailingPercent float64 `toml:"trailing_percent"`
}

type Exchange struct {
	RecvWindow    int64         `toml:"recv_window"`
	Timeout       time.Duration `toml:"timeout"`
	RetryCount    int           `toml:"retry_count"`
	RetryWait     time.Duration `toml:"retry_wait"`
	RetryMaxWait  time.Duration `toml:"retry_max_wait"`
	RateLimit     float64       `toml:"rate_limit"` // 每秒请求数
	RateBurst     int           `toml:"rate_burst"`
	FilterReload  time.Duration `toml:"filter_reload"`
	ModeCacheTTL  time.Duration `toml:"mode_cache_ttl"`
	ProbeThrottle time.Duration `toml:"probe_throttle"`
}

type Database struct {
	Driver             string   `toml:"driver"` // mysql | sqlite
	DSN                string   `toml:"dsn"`
	Replicas           []string `toml:"replicas"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	ConnMaxLifetime    int      `toml:"conn_max_lifetime"`
	ConnMaxIdleTime    int      `toml:"conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

type NATS struct {
	Endpoint   string `toml:"endpoint"`
	AlertTopic string `toml:"alert_topic"`
}

type Logger struct {
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Retention struct {
	Days     int           `toml:"days"`
	Interval time.Duration `toml:"interval"`
}

type Config struct {
	Bot       Bot       `toml:"bot"`
	Feed      Feed      `toml:"feed"`
	Router    Router    `toml:"router"`
	Risk      Risk      `toml:"risk"`
	Exchange  Exchange  `toml:"exchange"`
	Database  Database  `toml:"database"`
	NATS      NATS      `toml:"nats"`
	Logger    Logger    `toml:"log"`
	Retention Retention `toml:"retention"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Bot: Bot{
			TargetAccountID:     1,
			DonorAccountID:      2,
			RESTURL:             "https://api.bybit.com",
			PrivateWSURL:        "wss://stream.bybit.com/v5/private",
			Category:            "linear",
			HealthServerAddr:    "0.0.0.0:16900",
			CopyRatio:           1.0,
			CopyLeverage:        true,
			BumpToMinQty:        true,
			BalancePollInterval: 10 * time.Second,
			ReconcileInterval:   time.Minute,
			ActionDedupWindow:   3 * time.Second,
		},
		Feed: Feed{
			PingInterval:      20 * time.Second,
			PongGrace:         10 * time.Second,
			AuthTimeout:       10 * time.Second,
			SubscribeTimeout:  10 * time.Second,
			EscalationTimeout: 2 * time.Minute,
			BackoffMin:        time.Second,
			BackoffMax:        60 * time.Second,
			DispatchPoolSize:  64,
			Topics:            []string{"position", "order", "execution", "wallet"},
		},
		Router: Router{
			QueueSize:     1000,
			DeferredLimit: 500,
			BufferSize:    1000,
			ProcessedTTL:  10 * time.Minute,
			PauseTimeout:  5 * time.Second,
		},
		Risk: Risk{
			MaxTotalDrawdown:       0.15,
			MaxDailyDrawdown:       0.05,
			Hysteresis:             0.01,
			ConfirmReads:           2,
			DataStaleTTL:           10 * time.Second,
			FailWindow:             30 * time.Second,
			FailuresForRecovery:    3,
			RecoverySizeMultiplier: 0.5,
			AlertLevels:            []float64{0.02, 0.035, 0.05, 0.08, 0.12},
			KellyMinTrades:         10,
			KellyHistorySize:       200,
			KellyConservative:      0.5,
			KellyMaxFraction:       0.25,
			KellyMinFraction:       0.01,
			KellyDefaultFraction:   0.05,
			TrailingEnabled:        true,
			TrailingPercent:        0.02,
		},
		Exchange: Exchange{
			RecvWindow:    20000,
			Timeout:       10 * time.Second,
			RetryCount:    5,
			RetryWait:     500 * time.Millisecond,
			RetryMaxWait:  60 * time.Second,
			RateLimit:     10,
			RateBurst:     20,
			FilterReload:  2 * time.Hour,
			ModeCacheTTL:  5 * time.Minute,
			ProbeThrottle: time.Minute,
		},
		Database: Database{
			Driver:             "sqlite",
			DSN:                "data/copy_bot.db",
			MaxIdleConnections: 8,
			MaxOpenConnections: 32,
			ConnMaxLifetime:    7200,
			ConnMaxIdleTime:    3600,
			ProxyAddr:          "127.0.0.1:7890",
		},
		NATS: NATS{
			Endpoint:   "nats://localhost:4222",
			AlertTopic: "copy_bot.alert",
		},
		Logger: Logger{
			Level:      "info",
			MaxSize:    20,
			MaxBackups: 60,
			MaxAge:     14,
		},
		Retention: Retention{
			Days:     30,
			Interval: time.Hour,
		},
	}
}

// Validate 启动前检查致命配置错误
func (c *Config) Validate() error {
	if c.Bot.TargetAccountID == c.Bot.DonorAccountID {
		return errors.New("config: target and donor account must differ")
	}
	if c.Bot.RESTURL == "" || c.Bot.PrivateWSURL == "" {
		return errors.New("config: rest_url and private_ws_url are required")
	}
	if c.Risk.ConfirmReads < 1 {
		return errors.New("config: risk.confirm_reads must be >= 1")
	}
	if c.Router.QueueSize <= 0 {
		return errors.New("config: router.queue_size must be > 0")
	}
	return nil
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

// LoadEnv 读取 .env（不存在时忽略），已存在的环境变量不会被覆盖
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 加载 .env 和配置文件，并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

func InitWithInterval(path string, interval time.Duration) error {
	if err := LoadEnv(); err != nil {
		return err
	}
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

func Stop() {
	if stopChan != nil {
		close(stopChan)
		stopChan = nil
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
