//go:build unix

package xsys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var getrlimit = unix.Getrlimit

// GetFileLimit 返回进程文件描述符的软/硬上限。
func GetFileLimit() (soft, hard uint64, err error) {
	var rlimit unix.Rlimit
	if err := getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, 0, fmt.Errorf("xsys: getrlimit RLIMIT_NOFILE: %w", err)
	}
	return rlimit.Cur, rlimit.Max, nil
}
