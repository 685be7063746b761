package goplus

import (
	"runtime/debug"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

// Recover 捕获 panic 并记录堆栈，必须以 defer 方式调用
func Recover() {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
