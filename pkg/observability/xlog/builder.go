package xlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/omeyang/xguard/pkg/observability/xrotate"
)

// Builder 日志构建器，配置错误延迟到 Build 返回。
type Builder struct {
	output    io.Writer
	levelVar  *slog.LevelVar
	format    string
	addSource bool
	rotator   xrotate.Rotator
	err       error
}

// New 创建构建器，默认 text 格式输出到 stderr，级别 info。
func New() *Builder {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	return &Builder{output: os.Stderr, levelVar: lv, format: "text"}
}

// SetOutput 设置输出目标。
func (b *Builder) SetOutput(w io.Writer) *Builder {
	if w != nil {
		b.output = w
	}
	return b
}

// SetLevel 设置初始级别。
func (b *Builder) SetLevel(level Level) *Builder {
	b.levelVar.Set(slog.Level(level))
	return b
}

// SetLevelString 通过字符串设置初始级别。
func (b *Builder) SetLevelString(s string) *Builder {
	level, err := ParseLevel(s)
	if err != nil {
		b.err = err
		return b
	}
	return b.SetLevel(level)
}

// SetFormat 设置 text 或 json，空值使用 text。
func (b *Builder) SetFormat(format string) *Builder {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "":
		b.format = "text"
	case "text", "json":
		b.format = f
	default:
		b.err = fmt.Errorf("xlog: unknown format %q", format)
	}
	return b
}

// SetAddSource 是否输出源码位置。
func (b *Builder) SetAddSource(on bool) *Builder {
	b.addSource = on
	return b
}

// SetRotation 输出到按大小轮转的文件，filename 为空时保持原输出。
func (b *Builder) SetRotation(filename string, opts ...xrotate.Option) *Builder {
	if filename == "" {
		return b
	}
	r, err := xrotate.NewLumberjack(filename, opts...)
	if err != nil {
		b.err = err
		return b
	}
	b.rotator = r
	b.output = r
	return b
}

// Build 构建 Logger，cleanup 负责关闭轮转文件，可重复调用。
func (b *Builder) Build() (LoggerWithLevel, func() error, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	opts := &slog.HandlerOptions{Level: b.levelVar, AddSource: b.addSource}

	var h slog.Handler
	if b.format == "json" {
		h = slog.NewJSONHandler(b.output, opts)
	} else {
		h = slog.NewTextHandler(b.output, opts)
	}

	var once sync.Once
	rotator := b.rotator
	cleanup := func() error {
		var err error
		once.Do(func() {
			if rotator != nil {
				err = rotator.Close()
			}
		})
		return err
	}
	return &xlogger{handler: &contextHandler{base: h}, levelVar: b.levelVar}, cleanup, nil
}
