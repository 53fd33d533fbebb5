package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuqie6/telepipe/internal/collector"
)

// ErrSafeMode 数据库不可写时 Agent 不启动写入链路
var ErrSafeMode = errors.New("database is in safe mode")

const exitWatchDebounce = 500 * time.Millisecond

// AgentRuntime 包含 Agent 二进制需要启动的采集与后台任务
type AgentRuntime struct {
	*Core

	Collector collector.Collector
	Watcher   *collector.ExitWatcher // appexit.watch 关闭时为 nil
}

// NewAgentRuntime 构建 Agent 运行时；input 为平台适配层写入的 NDJSON 流
func NewAgentRuntime(cfgPath string, input io.Reader) (*AgentRuntime, error) {
	core, err := NewCore(cfgPath)
	if err != nil {
		return nil, err
	}
	rt, err := newAgentRuntime(core, input)
	if err != nil {
		core.Close()
		return nil, err
	}
	return rt, nil
}

func newAgentRuntime(core *Core, input io.Reader) (*AgentRuntime, error) {
	rt := &AgentRuntime{
		Core:      core,
		Collector: collector.NewLineCollector(input, core.Cfg.Events.QueueSize),
	}
	if core.Cfg.AppExit.Watch && !core.DB.SafeMode {
		w, err := collector.NewExitWatcher(core.Cfg.AppExit.RecordsDir, exitWatchDebounce, core.Services.Pipeline.ReconcileAppExits)
		if err != nil {
			// 监控不可用时仍可在启动时关联一次
			slog.Warn("退出记录目录监控不可用", "dir", core.Cfg.AppExit.RecordsDir, "error", err)
		} else {
			rt.Watcher = w
		}
	}
	return rt, nil
}

// Run 启动管道并消费输入，直到输入结束或 ctx 取消；返回前排空写入队列
func (rt *AgentRuntime) Run(ctx context.Context) error {
	if rt.DB.SafeMode {
		return ErrSafeMode
	}
	pipeline := rt.Services.Pipeline
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = pipeline.Stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	if rt.Watcher != nil {
		if err := rt.Watcher.Start(gctx); err != nil {
			return err
		}
		defer rt.Watcher.Stop()
	}
	if err := rt.Collector.Start(gctx); err != nil {
		return err
	}
	defer rt.Collector.Stop()

	g.Go(func() error {
		records := rt.Collector.Records()
		for {
			select {
			case <-gctx.Done():
				return nil
			case rec, ok := <-records:
				if !ok {
					slog.Info("输入已结束")
					return nil
				}
				rt.Dispatch(rec)
			}
		}
	})
	return g.Wait()
}

// Dispatch 把一条输入记录交给管道
func (rt *AgentRuntime) Dispatch(rec *collector.Record) {
	pipeline := rt.Services.Pipeline
	switch rec.Op {
	case collector.OpForeground:
		pipeline.OnForeground()
	case collector.OpBackground:
		pipeline.OnBackground()
	case collector.OpCrash:
		pipeline.MarkCrashed(rec.SessionID)
	case collector.OpEvent:
		req, err := rec.SubmitRequest()
		if err != nil {
			slog.Warn("跳过无效事件", "error", err)
			return
		}
		pipeline.Submit(req)
	default:
		slog.Warn("未知记录类型", "op", rec.Op)
	}
}
