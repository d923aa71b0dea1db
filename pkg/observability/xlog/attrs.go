package xlog

import (
	"log/slog"
	"time"
)

// 常用属性键。
const (
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyComponent  = "component"
	KeyOperation  = "operation"
	KeyRequestID  = "request_id"
	KeyMethod     = "method"
	KeyPath       = "path"
	KeyStatusCode = "status_code"
	KeyName       = "name"
	KeyKey        = "key"
	KeyState      = "state"
)

// Err 错误属性，nil 时返回会被 slog 忽略的空属性。
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func Duration(d time.Duration) slog.Attr { return slog.String(KeyDuration, d.String()) }

func Component(name string) slog.Attr { return slog.String(KeyComponent, name) }

func Operation(name string) slog.Attr { return slog.String(KeyOperation, name) }

func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

func StatusCode(code int) slog.Attr { return slog.Int(KeyStatusCode, code) }

func Name(n string) slog.Attr { return slog.String(KeyName, n) }

func Key(k string) slog.Attr { return slog.String(KeyKey, k) }

func State(s string) slog.Attr { return slog.String(KeyState, s) }
