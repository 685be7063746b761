package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Notifier 告警通道
type Notifier interface {
	SendAlert(ctx context.Context, text string) error
}

// LogNotifier 只写日志，作为兜底通道
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendAlert(_ context.Context, text string) error {
	n.log.Warn().Str("alert", text).Msg("ALERT")
	return nil
}

// SendWithFallback 主通道失败时走备用通道，两者都失败返回合并错误
func SendWithFallback(ctx context.Context, primary, fallback Notifier, text string) error {
	if primary == nil && fallback == nil {
		return errors.New("notify: no notifier configured")
	}
	var primaryErr error
	if primary != nil {
		if primaryErr = primary.SendAlert(ctx, text); primaryErr == nil {
			return nil
		}
	}
	if fallback == nil {
		return primaryErr
	}
	if err := fallback.SendAlert(ctx, text); err != nil {
		return errors.Join(primaryErr, fmt.Errorf("notify fallback: %w", err))
	}
	return nil
}

// Fallback 把主备通道组合成一个 Notifier
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f Fallback) SendAlert(ctx context.Context, text string) error {
	return SendWithFallback(ctx, f.Primary, f.Secondary, text)
}
