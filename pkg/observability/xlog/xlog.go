// Package xlog 是基于 log/slog 的结构化日志封装。
//
// 所有方法强制传入 context.Context，请求上下文中的 request_id 会被自动注入；
// 属性只接受 slog.Attr，避免隐式 key-value。级别可在运行时调整：
//
//	logger, cleanup, err := xlog.New().
//		SetLevelString("info").
//		SetFormat("json").
//		SetRotation("/var/log/xguard/xguard.log").
//		Build()
//	if err != nil {
//		return err
//	}
//	defer cleanup()
//	logger.Info(ctx, "started", xlog.Component("server"))
package xlog

import (
	"context"
	"log/slog"
)

// Logger 日志接口。
type Logger interface {
	Debug(ctx context.Context, msg string, attrs ...slog.Attr)
	Info(ctx context.Context, msg string, attrs ...slog.Attr)
	Warn(ctx context.Context, msg string, attrs ...slog.Attr)
	Error(ctx context.Context, msg string, attrs ...slog.Attr)

	// With 返回附加固定属性的派生 Logger，派生实例共享级别。
	With(attrs ...slog.Attr) Logger

	// WithGroup 返回带分组的派生 Logger。
	WithGroup(name string) Logger
}

// Leveler 动态级别控制。
type Leveler interface {
	SetLevel(level Level)
	GetLevel() Level
	Enabled(ctx context.Context, level Level) bool
}

// LoggerWithLevel Build 的返回类型。
type LoggerWithLevel interface {
	Logger
	Leveler
}
