package logger

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// printf 风格的快捷方法，供 dal 和 gorm 日志适配器使用

func logf(event *zerolog.Event, format string, args ...any) {
	if event == nil {
		return
	}
	event = event.CallerSkipFrame(2)
	if len(args) == 0 {
		event.Msg(format)
		return
	}
	if strings.Contains(format, "%") {
		event.Msgf(format, args...)
		return
	}
	event.Msg(strings.TrimSpace(fmt.Sprintln(append([]any{format}, args...)...)))
}

func Infof(format string, v ...any) { logf(log.Logger.Info(), format, v...) }

// Printf 满足 gorm 慢查询日志的 Printf 接口
func Printf(format string, v ...any) { logf(log.Logger.Info(), format, v...) }
