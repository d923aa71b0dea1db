package xlog

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var global atomic.Pointer[LoggerWithLevel]

// Default 返回进程默认 Logger，未设置时为 stderr 上的 info 级 text 日志。
//
// 组件应优先通过 Option 显式注入 Logger，Default 仅作为未注入时的兜底。
func Default() LoggerWithLevel {
	if l := global.Load(); l != nil {
		return *l
	}
	lv := new(slog.LevelVar)
	var l LoggerWithLevel = &xlogger{
		handler:  &contextHandler{base: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})},
		levelVar: lv,
	}
	if global.CompareAndSwap(nil, &l) {
		return l
	}
	return *global.Load()
}

// SetDefault 替换默认 Logger，nil 被忽略。
func SetDefault(l LoggerWithLevel) {
	if l != nil {
		global.Store(&l)
	}
}

// Discard 返回丢弃所有输出的 Logger，用于测试。
func Discard() Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelError + 1)
	return &xlogger{handler: slog.DiscardHandler, levelVar: lv}
}
