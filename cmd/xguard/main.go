// xguard 是弹性与流量治理控制面的进程入口。
//
// 用法:
//
//	xguard [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config   配置文件路径（yaml 或 json，缺省时使用内置默认值）
//
// 命令:
//
//	serve          启动管理接口与后台循环，配置文件变更时热加载日志级别
//	check          执行一次全部健康检查并输出结果
//	config         校验配置并输出生效值
//	version        显示版本信息
//
// 退出码:
//
//	0: 成功（check 命令: 整体状态为 HEALTHY 或 DEGRADED）
//	1: 运行失败（check 命令: 整体状态为 UNHEALTHY）
//	2: 参数或配置错误
//
// 示例:
//
//	xguard serve -c /etc/xguard/config.yaml
//	xguard serve --addr :9090
//	xguard check --retries 5              # 等待依赖就绪，最多重试 5 次
//	xguard check --strict                 # DEGRADED 也视为失败
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args))
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xguard",
		Usage:   "弹性与流量治理控制面",
		Version: versionString(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XGUARD_CONFIG"),
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		Authors: []any{
			"XGuard Team",
		},
		// 禁止 urfave/cli 直接调用 os.Exit，由 run() 统一映射退出码。
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
		Description: `xguard 在单进程内提供限流、熔断、负载均衡、服务注册、集群选主、
健康检查与性能监控，并通过 HTTP 暴露管理接口:

  /resilience   限流与熔断状态、重置
  /monitoring   端点、缓存、数据库、系统指标与告警，Prometheus 导出
  /ha           负载均衡节点、服务注册、集群成员、健康与就绪探针`,
	}
}

func run(ctx context.Context, args []string) int {
	app := createApp()

	if err := app.Run(ctx, args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}
	return 0
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime)
}
