//go:build !unix

package xsys

// GetFileLimit 非 Unix 平台不支持。
func GetFileLimit() (soft, hard uint64, err error) {
	return 0, 0, ErrUnsupportedPlatform
}
