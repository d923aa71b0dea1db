package xrun

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSignal 匹配任意 *SignalError。
	ErrSignal = errors.New("received signal")

	ErrInvalidInterval = errors.New("xrun: interval must be positive")
	ErrNilFunc         = errors.New("xrun: nil function")
	ErrNilServer       = errors.New("xrun: nil server")
)

// SignalError 因收到信号退出。
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %v", e.Signal)
}

func (e *SignalError) Is(target error) bool {
	return target == ErrSignal
}
