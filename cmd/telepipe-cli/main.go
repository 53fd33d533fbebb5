package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuqie6/telepipe/internal/bootstrap"
	"github.com/yuqie6/telepipe/internal/pkg/buildinfo"
	"github.com/yuqie6/telepipe/internal/pkg/config"
)

var (
	cfgFile string
	core    *bootstrap.Core
)

// 不需要打开数据库的命令
const skipCoreAnnotation = "skip-core"

func main() {
	rootCmd := &cobra.Command{
		Use:     "telepipe",
		Short:   "Telepipe - 本地遥测管道维护工具",
		Long:    `telepipe 用于在 Agent 停止时查看和维护本地事件存储：统计、手动导出、淘汰与日志恢复。`,
		Version: buildinfo.String(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if _, skip := cmd.Annotations[skipCoreAnnotation]; skip {
				return
			}
			var err error
			core, err = bootstrap.NewCore(cfgFile)
			if err != nil {
				slog.Error("初始化失败", "error", err)
				os.Exit(1)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if core != nil {
				core.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")

	// 添加子命令
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(evictCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// statsCmd 存储统计
func statsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "显示本地存储统计",
		Run: func(cmd *cobra.Command, args []string) {
			st := core.Status(context.Background())
			if asJSON {
				printJSON(st)
				return
			}
			fmt.Printf("📦 %s %s\n", st.App.Name, st.App.Version)
			fmt.Println("═══════════════════════════════════════")
			fmt.Printf("  数据库:   %s (schema v%d)\n", st.Storage.DBPath, st.Storage.SchemaVersion)
			if st.App.SafeMode {
				fmt.Printf("  ⚠️  安全模式: %s\n", st.Storage.SafeModeReason)
			}
			fmt.Printf("  会话数:   %d\n", st.Storage.SessionCount)
			fmt.Printf("  事件数:   %d\n", st.Storage.EventCount)
			fmt.Printf("  待发批次: %d\n", st.Storage.PendingBatches)
			if st.Export.Enabled {
				fmt.Printf("  采集端:   %s\n", core.Cfg.Export.Endpoint)
			} else {
				fmt.Println("  采集端:   未配置")
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}

// sessionsCmd 会话列表
func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "列出最近的会话",
		Run: func(cmd *cobra.Command, args []string) {
			list, err := core.Repos.Session.List(context.Background(), limit)
			if err != nil {
				fmt.Printf("❌ 查询会话失败: %v\n", err)
				os.Exit(1)
			}
			if len(list) == 0 {
				fmt.Println("📭 暂无会话")
				return
			}
			fmt.Printf("%-28s %-8s %-20s %-6s %-6s %s\n", "ID", "PID", "创建时间", "崩溃", "上报", "事件")
			for _, s := range list {
				fmt.Printf("%-28s %-8d %-20s %-6v %-6v %d\n",
					s.ID, s.PID,
					time.UnixMilli(s.CreatedAtMs).Format("2006-01-02 15:04:05"),
					s.Crashed, s.NeedsReporting, s.EventCount)
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示数量")
	return cmd
}

// exportCmd 手动导出一轮
func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "立即导出待上报事件",
		Run: func(cmd *cobra.Command, args []string) {
			exp := core.Services.Exporter
			if exp == nil {
				fmt.Println("⚠️  export.endpoint 未配置")
				os.Exit(1)
			}
			ctx := context.Background()
			prev, err := exp.ExportPreviousSessions(ctx)
			if err != nil {
				fmt.Printf("❌ 导出历史会话失败: %v\n", err)
				os.Exit(1)
			}
			res, err := exp.ExportCycle(ctx)
			if err != nil {
				fmt.Printf("❌ 导出失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("✅ 已发送 %d 个批次，导出 %d 个事件，丢弃 %d 个事件\n",
				prev.Batches+res.Batches, prev.Exported+res.Exported, prev.Dropped+res.Dropped)
		},
	}
}

// evictCmd 按存储上限淘汰最旧会话
func evictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "按存储上限淘汰最旧的会话",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := core.Services.Guard.Enforce(context.Background())
			if err != nil {
				fmt.Printf("❌ 淘汰失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("🧹 已淘汰 %d 个会话\n", n)
		},
	}
}

// recoverCmd 从会话日志补回未落库的事件
func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "从会话日志恢复未落库的事件",
		Run: func(cmd *cobra.Command, args []string) {
			res, err := core.Services.Recovery.Replay(context.Background())
			if err != nil {
				fmt.Printf("❌ 恢复失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("♻️  检查 %d 个会话日志，补回 %d 个事件，清理 %d 个过期日志\n", res.Sessions, res.Replayed, res.Stale)
		},
	}
}

// configCmd 配置相关
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "配置文件管理",
		Annotations: map[string]string{skipCoreAnnotation: ""},
	}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "写出默认配置文件",
		Annotations: map[string]string{skipCoreAnnotation: ""},
		Run: func(cmd *cobra.Command, args []string) {
			target := path
			if target == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					fmt.Printf("❌ %v\n", err)
					os.Exit(1)
				}
				target = p
			}
			if _, err := os.Stat(target); err == nil && !force {
				fmt.Printf("⚠️  %s 已存在，使用 --force 覆盖\n", target)
				os.Exit(1)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				fmt.Printf("❌ %v\n", err)
				os.Exit(1)
			}
			if err := config.WriteFile(target, config.Default()); err != nil {
				fmt.Printf("❌ 写入失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("✅ 已写入 %s\n", target)
		},
	}
	initCmd.Flags().StringVarP(&path, "path", "p", "", "输出路径（默认为可执行文件目录下 config/config.yaml）")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "覆盖已有文件")
	cmd.AddCommand(initCmd)
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
