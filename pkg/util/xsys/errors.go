package xsys

import "errors"

var (
	// ErrUnsupportedPlatform 当前平台不支持该操作。
	ErrUnsupportedPlatform = errors.New("xsys: unsupported platform")

	// ErrEmptyPath 磁盘路径为空。
	ErrEmptyPath = errors.New("xsys: empty disk path")
)
