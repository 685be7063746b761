package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingCredentials = errors.New("exchange: missing api credentials")
	ErrEmptyResult        = errors.New("exchange: empty result")
)

// 视为成功的业务码：杠杆未变化 / 保证金模式未变化 / 止损未变化
const (
	codeOK                  = 0
	codeRateLimit           = 10006
	codeServerError         = 10016
	codeLeverageNotModified = 110043
	codeMarginNotModified   = 110026
	codeTPSLNotModified     = 34040
)

// APIError HTTP 非2xx 或 retCode 非0
type APIError struct {
	Status  int
	RetCode int64
	Msg     string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: %s status=%d retCode=%d msg=%s", e.Path, e.Status, e.RetCode, e.Msg)
}

// Retryable 5xx 与限频可重试，4xx 及参数错误不可重试
func (e *APIError) Retryable() bool {
	if e.Status >= http.StatusInternalServerError {
		return true
	}
	return e.RetCode == codeRateLimit || e.RetCode == codeServerError
}

// IsRetryable 网络错误和可重试的 APIError 返回 true
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrMissingCredentials) && !errors.Is(err, context.Canceled)
}
