package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/config"
	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/cleaner"
	"github.com/a1g0-creator/ct-bot-sub000/internal/copier"
	"github.com/a1g0-creator/ct-bot-sub000/internal/dal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/dao"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
	"github.com/a1g0-creator/ct-bot-sub000/internal/notify"
	"github.com/a1g0-creator/ct-bot-sub000/internal/processor"
	"github.com/a1g0-creator/ct-bot-sub000/internal/risk"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/symbol"
	"github.com/a1g0-creator/ct-bot-sub000/internal/trading"
	"github.com/a1g0-creator/ct-bot-sub000/internal/vault"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置（含 .env）
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().
		Int64("target", cfg.Bot.TargetAccountID).
		Int64("donor", cfg.Bot.DonorAccountID).
		Msg("copy_bot service starting...")

	monitor.GetMetrics()

	// 数据库与 DAO
	if err := dal.InitDB(cfg.Database); err != nil {
		logger.Fatal().Err(err).Msg("init database failed")
	}
	dao.InitDAO(dal.DB())

	batchWriter := processor.NewBatchWriter(nil)
	batchWriter.Start()

	dataCleaner := cleaner.NewCleaner(cfg.Retention.Days, cfg.Retention.Interval)
	dataCleaner.Start()

	// 告警：NATS 优先，失败时只写日志
	logNotifier := notify.NewLogNotifier(logger.Named("notify"))
	var notifier notify.Notifier = logNotifier
	var publisher monitor.PublisherRef
	natsNotifier, err := notify.NewNATSNotifier(cfg.NATS.Endpoint, cfg.NATS.AlertTopic, logger.Named("nats"))
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, alerts go to log only")
	} else {
		defer natsNotifier.Close()
		notifier = notify.Fallback{Primary: natsNotifier, Secondary: logNotifier}
		publisher = natsNotifier
	}

	// 凭证：vault 数据库优先，环境变量兜底
	envVault, err := vault.NewEnvVault(cfg.Bot.TargetAccountID, cfg.Bot.DonorAccountID)
	if err != nil {
		logger.Fatal().Err(err).Msg("init env vault failed")
	}
	sources := []vault.Vault{envVault}
	dbVault, err := vault.NewDBVault(dal.DB(), os.Getenv(vault.EnvMasterKey), os.Getenv(vault.EnvMasterSalt))
	if err != nil {
		logger.Warn().Err(err).Msg("db vault disabled, using env credentials only")
	} else {
		sources = []vault.Vault{dbVault, envVault}
	}
	credentials := vault.NewChain(logger.Named("vault"), sources...)

	governor := risk.NewGovernor(risk.Config{
		AccountID:              cfg.Bot.TargetAccountID,
		MaxTotalDrawdown:       cfg.Risk.MaxTotalDrawdown,
		MaxDailyDrawdown:       cfg.Risk.MaxDailyDrawdown,
		Hysteresis:             cfg.Risk.Hysteresis,
		ConfirmReads:           cfg.Risk.ConfirmReads,
		DataStaleTTL:           cfg.Risk.DataStaleTTL,
		FailWindow:             cfg.Risk.FailWindow,
		FailuresForRecovery:    cfg.Risk.FailuresForRecovery,
		RecoverySizeMultiplier: cfg.Risk.RecoverySizeMultiplier,
		AlertLevels:            cfg.Risk.AlertLevels,
		Kelly: risk.KellyConfig{
			MinTrades:       cfg.Risk.KellyMinTrades,
			HistorySize:     cfg.Risk.KellyHistorySize,
			Conservative:    cfg.Risk.KellyConservative,
			MaxFraction:     cfg.Risk.KellyMaxFraction,
			MinFraction:     cfg.Risk.KellyMinFraction,
			DefaultFraction: cfg.Risk.KellyDefaultFraction,
		},
	}, notifier, batchWriter, logger.Named("risk"))

	trailing := risk.NewTrailingManager(nil, cfg.Risk.TrailingEnabled, cfg.Risk.TrailingPercent, logger.Named("trailing"))
	filters := symbol.NewLoader(nil, cache.NewFilterCache(), cfg.Exchange.FilterReload, logger.Named("symbol"))
	defer filters.Close()

	topics := make([]ws.Topic, 0, len(cfg.Feed.Topics))
	for _, t := range cfg.Feed.Topics {
		topics = append(topics, ws.Topic(t))
	}
	factory := trading.ExchangeFactory{
		REST: exchange.Config{
			BaseURL:      cfg.Bot.RESTURL,
			Category:     cfg.Bot.Category,
			RecvWindow:   cfg.Exchange.RecvWindow,
			Timeout:      cfg.Exchange.Timeout,
			RetryCount:   cfg.Exchange.RetryCount,
			RetryWait:    cfg.Exchange.RetryWait,
			RetryMaxWait: cfg.Exchange.RetryMaxWait,
			RateLimit:    cfg.Exchange.RateLimit,
			RateBurst:    cfg.Exchange.RateBurst,
		},
		WS: ws.Config{
			URL:               cfg.Bot.PrivateWSURL,
			Topics:            topics,
			PingInterval:      cfg.Feed.PingInterval,
			PongGrace:         cfg.Feed.PongGrace,
			AuthTimeout:       cfg.Feed.AuthTimeout,
			SubscribeTimeout:  cfg.Feed.SubscribeTimeout,
			EscalationTimeout: cfg.Feed.EscalationTimeout,
			BackoffMin:        cfg.Feed.BackoffMin,
			BackoffMax:        cfg.Feed.BackoffMax,
			PoolSize:          cfg.Feed.DispatchPoolSize,
		},
		Log: logger.Named,
	}

	mon := trading.NewMonitor(trading.Config{
		TargetAccountID:     cfg.Bot.TargetAccountID,
		DonorAccountID:      cfg.Bot.DonorAccountID,
		CopyRatio:           cfg.Bot.CopyRatio,
		BalancePollInterval: cfg.Bot.BalancePollInterval,
		ReconcileInterval:   cfg.Bot.ReconcileInterval,
		PauseTimeout:        cfg.Router.PauseTimeout,
		BufferSize:          cfg.Router.BufferSize,
		ModeCacheTTL:        cfg.Exchange.ModeCacheTTL,
		ProbeThrottle:       cfg.Exchange.ProbeThrottle,
		Router: signal.RouterConfig{
			QueueSize:     cfg.Router.QueueSize,
			DeferredLimit: cfg.Router.DeferredLimit,
			ProcessedTTL:  cfg.Router.ProcessedTTL,
		},
		Engine: copier.Config{
			CopyLeverage: cfg.Bot.CopyLeverage,
			BumpToMinQty: cfg.Bot.BumpToMinQty,
			DedupWindow:  cfg.Bot.ActionDedupWindow,
		},
	}, trading.Deps{
		Vault:     credentials,
		Factory:   factory,
		Governor:  governor,
		Trailing:  trailing,
		Filters:   filters,
		Recorder:  batchWriter,
		Positions: dao.Position(),
		History:   dao.Position(),
		Notifier:  notifier,
	}, logger.Named("trading"))

	// 恢复已处理信号键（防止重启后重复复制）
	if err = mon.Processed().LoadFromDB(dao.Signal(), logger.Named("router")); err != nil {
		logger.Warn().Err(err).Msg("failed to load processed signal keys")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), time.Minute)
	err = mon.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("start copy monitor failed")
	}
	filters.Start()

	healthServer := monitor.NewHealthServer(cfg.Bot.HealthServerAddr, mon, publisher)
	if err = healthServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}

	logger.Info().
		Str("rest_url", cfg.Bot.RESTURL).
		Str("ws_url", cfg.Bot.PrivateWSURL).
		Str("health_addr", cfg.Bot.HealthServerAddr).
		Msg("copy_bot service started successfully")

	// 优雅关闭
	ctx := sigproc.GracefulShutdown(context.Background(), func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		dataCleaner.Stop()

		// 停止接收信号并关闭连接
		mon.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = healthServer.Stop(shutdownCtx)

		config.Stop()

		if err := batchWriter.GracefulShutdown(10 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("batch writer shutdown incomplete")
		}

		dal.Close()

		waitBackground(5 * time.Second)
		logger.Info().Msg("copy_bot service stopped")
	})

	<-ctx.Done()
}

// waitBackground 等待 goplus 启动的后台 goroutine 退出，超时只告警
func waitBackground(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		goplus.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn().Int64("running", goplus.Running()).Msg("background goroutines still running at exit")
	}
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}
