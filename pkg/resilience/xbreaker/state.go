package xbreaker

import "github.com/sony/gobreaker/v2"

type (
	// State 熔断器状态。
	State = gobreaker.State

	// Counts 当前状态周期内的统计，状态切换时清零。
	Counts = gobreaker.Counts
)

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// StateName 对外展示的状态名：CLOSED、OPEN、HALF_OPEN。
func StateName(s State) string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}
