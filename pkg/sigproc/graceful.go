package sigproc

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

// ForceExitAfter 收到信号后强制退出的时限
var ForceExitAfter = 30 * time.Second

type HandlerFunc func(os.Signal)

// GracefulShutdown 收到 SIGINT/SIGTERM/SIGQUIT 后执行 shutdown 并取消返回的 ctx，
// shutdown 超过 ForceExitAfter 未完成则直接退出进程
func GracefulShutdown(parent context.Context, shutdown HandlerFunc) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	goplus.Go(func() {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-parent.Done():
			return
		}
		logger.Info().Str("signal", sig.String()).Msg("received signal")

		done := make(chan struct{})
		goplus.Go(func() {
			defer close(done)
			shutdown(sig)
		})

		select {
		case <-done:
			cancel()
		case <-time.After(ForceExitAfter):
			logger.Warn().Dur("timeout", ForceExitAfter).Msg("shutdown timeout, force exit")
			os.Exit(1)
		}
	})

	return ctx
}
