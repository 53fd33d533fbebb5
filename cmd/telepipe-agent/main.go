package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yuqie6/telepipe/internal/bootstrap"
	"github.com/yuqie6/telepipe/internal/pkg/buildinfo"
	"github.com/yuqie6/telepipe/internal/pkg/config"
)

func main() {
	var cfgFile string
	var inputPath string

	rootCmd := &cobra.Command{
		Use:           "telepipe-agent",
		Short:         "Telepipe Agent - 本地遥测事件持久化与导出",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile, inputPath)
		},
	}
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "NDJSON 输入（- 表示 stdin）")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Agent 异常退出", "error", err)
		os.Exit(1)
	}
}

func run(cfgFile, inputPath string) error {
	// 首次运行写出默认配置，便于用户修改
	if cfgFile == "" {
		if p, err := config.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
				if err := config.WriteFile(p, config.Default()); err == nil {
					cfgFile = p
				}
			} else if err == nil {
				cfgFile = p
			}
		}
	}

	var input io.Reader = os.Stdin
	if inputPath != "" && inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("打开输入失败: %w", err)
		}
		defer f.Close()
		input = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.NewAgentRuntime(cfgFile, input)
	if err != nil {
		return err
	}
	defer rt.Close()

	slog.Info("Telepipe Agent 启动中...", "name", rt.Cfg.App.Name, "version", buildinfo.String(), "root", rt.Cfg.Storage.RootDir)
	if err := rt.Run(ctx); err != nil {
		return err
	}
	slog.Info("Telepipe Agent 已退出")
	return nil
}
