package xlog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Level 日志级别，数值沿用 slog.Level。
type Level slog.Level

const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

// ErrUnknownLevel 配置中的级别名无法识别。
var ErrUnknownLevel = errors.New("xlog: unknown level")

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"":        LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

func (l Level) String() string { return slog.Level(l).String() }

// MarshalText 输出小写级别名，便于回显生效配置。
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// ParseLevel 大小写不敏感，空串视为 info。
func ParseLevel(s string) (Level, error) {
	if lv, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lv, nil
	}
	return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}
