package xsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// startTime 进程启动时间（包初始化时刻）。
var startTime = time.Now()

// 可替换的采样函数，测试时注入固定值。
var (
	readMemStats  = runtime.ReadMemStats
	processStats  = gopsutilProcessStats
	virtualMemory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return mem.VirtualMemoryWithContext(ctx)
	}
	diskUsage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return disk.UsageWithContext(ctx, path)
	}
	fileLimit = GetFileLimit
)

// ProcessStats 进程资源快照。
type ProcessStats struct {
	HeapAlloc   uint64        `json:"heapUsed"`
	HeapSys     uint64        `json:"heapTotal"`
	RSS         uint64        `json:"rss"`
	TotalMemory uint64        `json:"totalMemory"`
	CPUPercent  float64       `json:"cpuPercent"`
	Goroutines  int           `json:"goroutines"`
	Uptime      time.Duration `json:"uptime"`
	CollectedAt time.Time     `json:"timestamp"`
	// 文件描述符软/硬上限，不支持的平台为 0。
	FileLimitSoft uint64 `json:"fileLimitSoft"`
	FileLimitHard uint64 `json:"fileLimitHard"`
}

// HeapPercent 返回堆已用占堆申请量的百分比。
func (s ProcessStats) HeapPercent() float64 {
	if s.HeapSys == 0 {
		return 0
	}
	return float64(s.HeapAlloc) / float64(s.HeapSys) * 100
}

// RSSPercent 返回 RSS 占主机物理内存的百分比。
func (s ProcessStats) RSSPercent() float64 {
	if s.TotalMemory == 0 {
		return 0
	}
	return float64(s.RSS) / float64(s.TotalMemory) * 100
}

// DiskStats 文件系统使用情况。
type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

// Snapshot 采集当前进程资源快照。
//
// gopsutil 采样失败时对应字段保持零值，runtime 字段始终可用；
// 返回的 error 仅用于告知调用方部分数据缺失。
func Snapshot(ctx context.Context) (ProcessStats, error) {
	var ms runtime.MemStats
	readMemStats(&ms)

	s := ProcessStats{
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		Goroutines:  runtime.NumGoroutine(),
		Uptime:      time.Since(startTime),
		CollectedAt: time.Now(),
	}

	var firstErr error
	rss, cpu, err := processStats(ctx)
	if err != nil {
		firstErr = fmt.Errorf("xsys: process stats: %w", err)
	} else {
		s.RSS, s.CPUPercent = rss, cpu
	}

	vm, err := virtualMemory(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("xsys: virtual memory: %w", err)
		}
	} else {
		s.TotalMemory = vm.Total
	}

	soft, hard, err := fileLimit()
	switch {
	case err == nil:
		s.FileLimitSoft, s.FileLimitHard = soft, hard
	case errors.Is(err, ErrUnsupportedPlatform):
	case firstErr == nil:
		firstErr = err
	}
	return s, firstErr
}

// DiskUsage 查询 path 所在文件系统的使用情况。
func DiskUsage(ctx context.Context, path string) (DiskStats, error) {
	if path == "" {
		return DiskStats{}, ErrEmptyPath
	}
	u, err := diskUsage(ctx, path)
	if err != nil {
		return DiskStats{}, fmt.Errorf("xsys: disk usage %s: %w", path, err)
	}
	return DiskStats{
		Path:        path,
		Total:       u.Total,
		Used:        u.Used,
		Free:        u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

func gopsutilProcessStats(ctx context.Context) (rss uint64, cpu float64, err error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid 不会溢出 int32
	if err != nil {
		return 0, 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	cpu, err = p.CPUPercentWithContext(ctx)
	if err != nil {
		return mi.RSS, 0, err
	}
	return mi.RSS, cpu, nil
}
