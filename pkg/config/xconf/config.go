// Package xconf 基于 koanf 加载 YAML/JSON 配置文件，并支持文件变更监听。
//
//	cfg, err := xconf.New("xguard.yaml")
//	var c controlplane.Config = controlplane.DefaultConfig()
//	err = cfg.Unmarshal("", &c) // 未出现在文件中的字段保持默认值
//
//	w, err := xconf.Watch(cfg, func(cfg *xconf.Config, err error) { ... })
//	defer w.Stop()
package xconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 配置格式。
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	ErrEmptyPath         = errors.New("xconf: empty config path")
	ErrUnsupportedFormat = errors.New("xconf: unsupported config format")
	ErrLoadFailed        = errors.New("xconf: failed to load config")
	ErrParseFailed       = errors.New("xconf: failed to parse config")
	ErrUnmarshalFailed   = errors.New("xconf: failed to unmarshal config")
	ErrNotReloadable     = errors.New("xconf: config created from bytes cannot be reloaded")
)

const (
	delim = "."
	tag   = "koanf"
)

// Config 已加载的配置，并发安全。
type Config struct {
	mu     sync.RWMutex
	k      *koanf.Koanf
	path   string
	format Format
}

// New 从文件加载，格式按扩展名识别（.yaml/.yml/.json）。
func New(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	k, err := loadFile(path, format)
	if err != nil {
		return nil, err
	}
	return &Config{k: k, path: path, format: format}, nil
}

// NewFromBytes 从内存数据加载，data 为空时得到空配置。
func NewFromBytes(data []byte, format Format) (*Config, error) {
	if format != FormatYAML && format != FormatJSON {
		return nil, ErrUnsupportedFormat
	}
	k := koanf.New(delim)
	if len(data) > 0 {
		if err := parse(k, data, format); err != nil {
			return nil, err
		}
	}
	return &Config{k: k, format: format}, nil
}

// Unmarshal 将 path 下的配置解码到 target，path 为空表示根。
// target 中已有的值在配置未覆盖时保留，可用于提供默认值。
func (c *Config) Unmarshal(path string, target any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.k.UnmarshalWithConf(path, target, koanf.UnmarshalConf{Tag: tag}); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

// String 读取单个字符串值。
func (c *Config) String(path string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.k.String(path)
}

// Reload 重新读取文件，解析失败时保留旧配置。
func (c *Config) Reload() error {
	if c.path == "" {
		return ErrNotReloadable
	}
	k, err := loadFile(c.path, c.format)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.k = k
	c.mu.Unlock()
	return nil
}

// Path 配置文件路径，内存配置为空。
func (c *Config) Path() string { return c.path }

// Format 配置格式。
func (c *Config) Format() Format { return c.format }

func detectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}

func loadFile(path string, format Format) (*koanf.Koanf, error) {
	data, err := os.ReadFile(path) //nolint:gosec // 路径来自启动参数
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k := koanf.New(delim)
	if err := parse(k, data, format); err != nil {
		return nil, err
	}
	return k, nil
}

func parse(k *koanf.Koanf, data []byte, format Format) error {
	var p koanf.Parser = yaml.Parser()
	if format == FormatJSON {
		p = json.Parser()
	}
	if err := k.Load(rawbytes.Provider(data), p); err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return nil
}
