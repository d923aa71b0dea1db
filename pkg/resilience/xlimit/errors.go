package xlimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited 请求被限流，所有 *LimitError 都匹配该错误。
	ErrRateLimited = errors.New("xlimit: rate limited")

	// ErrInvalidConfig 限流配置非法。
	ErrInvalidConfig = errors.New("xlimit: invalid config")

	// ErrUnknownScope 未知的限流作用域。
	ErrUnknownScope = errors.New("xlimit: unknown scope")
)

// LimitError 描述一次被拒绝的请求。
type LimitError struct {
	Scope      Scope
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("xlimit: rate limited, scope=%s key=%s limit=%d retry_after=%s",
		e.Scope, e.Key, e.Limit, e.RetryAfter)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Retryable 限流错误不应立即重试，调用方应等待 RetryAfter。
func (e *LimitError) Retryable() bool { return false }

// IsDenied 判断 err 是否为限流拒绝。
func IsDenied(err error) bool { return errors.Is(err, ErrRateLimited) }
