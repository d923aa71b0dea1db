package xretry

import (
	"errors"
	"strings"
)

// ErrNilFunc 传入的操作函数为 nil。
var ErrNilFunc = errors.New("xretry: function cannot be nil")

// RetryableError 自带重试分类的错误。
type RetryableError interface {
	error
	Retryable() bool
}

// PermanentError 永久性错误，不重试。
type PermanentError struct {
	Err error
}

// Permanent 标记 err 为永久性错误。
func Permanent(err error) *PermanentError { return &PermanentError{Err: err} }

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Retryable() bool { return false }

// TemporaryError 临时性错误，总是重试。
type TemporaryError struct {
	Err error
}

// Temporary 标记 err 为临时性错误。
func Temporary(err error) *TemporaryError { return &TemporaryError{Err: err} }

func (e *TemporaryError) Error() string {
	if e.Err == nil {
		return "temporary error"
	}
	return e.Err.Error()
}

func (e *TemporaryError) Unwrap() error { return e.Err }

func (e *TemporaryError) Retryable() bool { return true }

// retryableMessages 错误信息包含任一子串即视为可重试。
var retryableMessages = []string{
	"ECONNRESET",
	"ECONNREFUSED",
	"connection reset",
	"connection refused",
	"timeout",
	"503",
	"429",
}

// IsRetryable 默认重试判定：
//   - nil 不重试
//   - 实现 RetryableError 的以 Retryable() 为准
//   - 其余按错误信息匹配连接重置/拒绝、超时以及 503、429
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	msg := err.Error()
	for _, s := range retryableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
