package xbreaker

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen 熔断器处于打开状态，调用未被执行。
	ErrCircuitOpen = gobreaker.ErrOpenState

	// ErrTooManyProbes 半开状态下探测请求已达上限。
	ErrTooManyProbes = gobreaker.ErrTooManyRequests

	// ErrNilFunc 传入的操作函数为 nil。
	ErrNilFunc = errors.New("xbreaker: function cannot be nil")
)

// BreakerError 熔断器拒绝调用时返回的错误。
//
// Retryable 返回 false，与 xretry 组合时熔断错误不会被重试。
type BreakerError struct {
	Err   error // ErrCircuitOpen 或 ErrTooManyProbes
	Name  string
	State State
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("xbreaker: circuit breaker %s is %s: %v", e.Name, StateName(e.State), e.Err)
}

func (e *BreakerError) Unwrap() error { return e.Err }

func (e *BreakerError) Retryable() bool { return false }

// wrapBreakerError 只包装当前熔断器直接返回的 sentinel，
// 嵌套熔断器的内层错误保持原样，避免错误归因到外层。
func wrapBreakerError(err error, name string) error {
	var be *BreakerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &be):
		return err
	case err == gobreaker.ErrOpenState:
		return &BreakerError{Err: err, Name: name, State: StateOpen}
	case err == gobreaker.ErrTooManyRequests:
		return &BreakerError{Err: err, Name: name, State: StateHalfOpen}
	default:
		return err
	}
}

// IsOpen 判断 err 是否为熔断打开拒绝。
//
//	v, err := xbreaker.Do(ctx, b, fetch)
//	if xbreaker.IsOpen(err) {
//		return cached, nil
//	}
func IsOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

// IsTooManyProbes 判断 err 是否为半开探测超限。
func IsTooManyProbes(err error) bool { return errors.Is(err, ErrTooManyProbes) }

// IsBreakerError 判断 err 是否由熔断器拒绝产生，用于区分业务错误。
func IsBreakerError(err error) bool { return IsOpen(err) || IsTooManyProbes(err) }
