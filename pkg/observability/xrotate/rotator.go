// Package xrotate 提供基于 lumberjack 的日志文件轮转写入器。
package xrotate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 默认轮转参数。
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 30
)

var (
	// ErrEmptyFilename 文件名为空。
	ErrEmptyFilename = errors.New("xrotate: empty filename")
	// ErrInvalidConfig 轮转参数非法。
	ErrInvalidConfig = errors.New("xrotate: invalid config")
	// ErrClosed 写入器已关闭。
	ErrClosed = errors.New("xrotate: rotator closed")
)

// Rotator 支持手动轮转的 io.WriteCloser。
type Rotator interface {
	io.WriteCloser
	Rotate() error
}

type config struct {
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
}

// Option 轮转配置项。
type Option func(*config)

// WithMaxSize 单文件最大 MB。
func WithMaxSize(mb int) Option { return func(c *config) { c.maxSizeMB = mb } }

// WithMaxBackups 保留的历史文件数。
func WithMaxBackups(n int) Option { return func(c *config) { c.maxBackups = n } }

// WithMaxAge 历史文件保留天数。
func WithMaxAge(days int) Option { return func(c *config) { c.maxAgeDays = days } }

// WithCompress 是否 gzip 压缩历史文件。
func WithCompress(on bool) Option { return func(c *config) { c.compress = on } }

type rotator struct {
	l      *lumberjack.Logger
	closed atomic.Bool
}

// NewLumberjack 创建写入 filename 的轮转器，目录不存在时自动创建。
func NewLumberjack(filename string, opts ...Option) (Rotator, error) {
	if filename == "" {
		return nil, ErrEmptyFilename
	}
	cfg := config{
		maxSizeMB:  DefaultMaxSizeMB,
		maxBackups: DefaultMaxBackups,
		maxAgeDays: DefaultMaxAgeDays,
		compress:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxSizeMB <= 0 || cfg.maxBackups < 0 || cfg.maxAgeDays < 0 {
		return nil, fmt.Errorf("%w: size=%d backups=%d age=%d",
			ErrInvalidConfig, cfg.maxSizeMB, cfg.maxBackups, cfg.maxAgeDays)
	}
	if cfg.maxBackups == 0 && cfg.maxAgeDays == 0 {
		return nil, fmt.Errorf("%w: backups and age cannot both be 0", ErrInvalidConfig)
	}

	path := filepath.Clean(filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("xrotate: create dir: %w", err)
	}
	return &rotator{l: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.maxSizeMB,
		MaxBackups: cfg.maxBackups,
		MaxAge:     cfg.maxAgeDays,
		Compress:   cfg.compress,
	}}, nil
}

func (r *rotator) Write(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.l.Write(p)
}

func (r *rotator) Rotate() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.l.Rotate()
}

// Close 关闭当前文件，幂等。
func (r *rotator) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.l.Close()
}
