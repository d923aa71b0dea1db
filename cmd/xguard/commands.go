package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xguard/internal/controlplane"
	"github.com/omeyang/xguard/internal/httpapi"
	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/resilience/xretry"
)

// exitError 表示需要非零退出码但已完成输出的场景。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 参数或配置错误，退出码 2。
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// errUnhealthy check 命令的可重试失败。
var errUnhealthy = errors.New("overall status is UNHEALTHY")

// 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createServeCommand(),
		createCheckCommand(),
		createConfigCommand(),
		createVersionCommand(),
	}
}

// createServeCommand 创建 serve 子命令。
func createServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动管理接口与后台循环",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "覆盖 server.addr",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdServe(ctx, cmd.String("config"), cmd.String("addr"))
		},
	}
}

// createCheckCommand 创建 check 子命令。
func createCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "执行一次全部健康检查",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "retries",
				Usage: "UNHEALTHY 时按 retry 配置退避重试的次数",
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "DEGRADED 也以退出码 1 结束",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdCheck(ctx, cmd.Root().Writer, cmd.String("config"), cmd.Int("retries"), cmd.Bool("strict"))
		},
	}
}

// createConfigCommand 创建 config 子命令。
func createConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "校验配置并输出生效值",
		Action: func(_ context.Context, cmd *cli.Command) error {
			return cmdConfig(cmd.Root().Writer, cmd.String("config"))
		},
	}
}

// createVersionCommand 创建 version 子命令。
func createVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "显示版本信息",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(cmd.Root().Writer, "xguard %s\n", versionString())
			return err
		},
	}
}

func loadConfig(path string) (controlplane.Config, error) {
	cfg, _, err := controlplane.LoadConfig(path)
	if err != nil {
		return cfg, &usageError{err: err}
	}
	return cfg, nil
}

// cmdServe 运行直到收到退出信号或任一服务失败。
func cmdServe(ctx context.Context, path, addr string) error {
	cfg, src, err := controlplane.LoadConfig(path)
	if err != nil {
		return &usageError{err: err}
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	cp, err := controlplane.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cp.Close(); cerr != nil {
			cp.Logger.Error(context.Background(), "shutdown", xlog.Err(cerr))
		}
	}()

	if src != nil {
		w, err := cp.Watch(src)
		if err != nil {
			cp.Logger.Warn(ctx, "config watch disabled", slog.String("path", src.Path()), xlog.Err(err))
		} else {
			defer func() { _ = w.Stop() }() //nolint:errcheck // 退出路径
		}
	}

	srv := httpapi.New(cp)
	cp.Logger.Info(ctx, "xguard starting",
		slog.String("addr", cfg.Server.Addr),
		slog.String("env", cfg.Env),
		slog.String("version", Version),
	)
	err = cp.Run(ctx, map[string]func(ctx context.Context) error{
		"http": xrun.HTTPServer(srv.HTTPServer(), cfg.Server.ShutdownTimeout),
	})
	if err == nil || errors.Is(err, xrun.ErrSignal) || errors.Is(err, context.Canceled) {
		cp.Logger.Info(context.Background(), "xguard stopped")
		return nil
	}
	return err
}

// cmdCheck 输出整体健康结果。UNHEALTHY（strict 时含 DEGRADED）返回退出码 1。
func cmdCheck(ctx context.Context, out io.Writer, path string, retries int, strict bool) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger, _, err := xlog.New().SetOutput(os.Stderr).SetLevelString("warn").Build()
	if err != nil {
		return err
	}
	cp, err := controlplane.New(cfg, controlplane.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = cp.Close() }() //nolint:errcheck // 只读命令

	opts := cfg.Retry
	opts.MaxRetries = max(retries, 0)
	opts.Retryable = func(err error) bool { return errors.Is(err, errUnhealthy) }
	opts.OnRetry = func(attempt int, _ error) {
		logger.Warn(ctx, "health check failed, retrying", slog.Int("attempt", attempt))
	}

	overall, err := xretry.DoWithData(ctx, func(ctx context.Context) (xhealth.Overall, error) {
		o := cp.Health.Overall(ctx)
		if o.Status == xhealth.StatusUnhealthy {
			return o, errUnhealthy
		}
		return o, nil
	}, opts)
	if err != nil && !errors.Is(err, errUnhealthy) {
		return err
	}
	if err != nil {
		// 重试耗尽时返回值为零值，再取一次缓存结果用于输出。
		overall = cp.Health.LastOverall()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(overall); err != nil {
		return err
	}
	switch {
	case overall.Status == xhealth.StatusUnhealthy:
		return &exitError{code: 1}
	case strict && overall.Status != xhealth.StatusHealthy:
		return &exitError{code: 1}
	default:
		return nil
	}
}

// cmdConfig 校验并以 JSON 输出生效配置。
func cmdConfig(out io.Writer, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
