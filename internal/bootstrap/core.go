package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yuqie6/telepipe/internal/blob"
	"github.com/yuqie6/telepipe/internal/collector"
	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/pkg/buildinfo"
	"github.com/yuqie6/telepipe/internal/pkg/config"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/schema"
	"github.com/yuqie6/telepipe/internal/service"
	"github.com/yuqie6/telepipe/internal/sessionlog"
	"github.com/yuqie6/telepipe/internal/transport"
)

// 上次进程残留的临时 blob 超过该时长才清理
const blobTempMaxAge = time.Hour

// Core 持有跨二进制共享的核心依赖
type Core struct {
	Cfg       *config.Config
	DB        *repository.Database
	LogCloser io.Closer
	Hub       *eventbus.Hub
	Blobs     *blob.Store
	Journal   *sessionlog.Log
	StartedAt time.Time

	Repos struct {
		Session *repository.SessionRepository
		Event   *repository.EventRepository
		Batch   *repository.BatchRepository
	}

	Services struct {
		Sessions   *service.SessionManager
		Store      *service.EventStore
		Exporter   *service.Exporter // 未配置 export.endpoint 时为 nil
		Guard      *service.StorageGuard
		Reconciler *service.AppExitReconciler
		Recovery   *service.Recovery
		Pipeline   *service.Pipeline
	}

	ExitSource *collector.DirExitSource
}

// NewCore 构建核心依赖（不启动管道）
func NewCore(cfgPath string) (*Core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logCloser, err := config.SetupLogger(config.LoggerOptions{
		Level:     cfg.App.LogLevel,
		Path:      cfg.App.LogPath,
		Component: filepath.Base(os.Args[0]),
	})
	if err != nil {
		return nil, err
	}
	core, err := NewCoreWithConfig(cfg)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	core.LogCloser = logCloser
	return core, nil
}

// NewCoreWithConfig 用已加载的配置构建依赖，不修改全局 logger
func NewCoreWithConfig(cfg *config.Config) (*Core, error) {
	allowTypes, err := parseEventTypes(cfg.Events.AlwaysExportTypes)
	if err != nil {
		return nil, err
	}

	db, err := repository.NewDatabase(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Cfg:       cfg,
		DB:        db,
		Hub:       eventbus.NewHub(),
		Blobs:     blob.NewStore(cfg.Storage.BlobDir()),
		Journal:   sessionlog.New(cfg.Storage.SessionsDir()),
		StartedAt: time.Now(),
	}
	slog.Info("本地存储", "db", cfg.Storage.DBPath, "blobs", c.Blobs.Root(), "sessions", c.Journal.Root())
	if n := c.Blobs.SweepTemp(blobTempMaxAge); n > 0 {
		slog.Info("已清理残留临时文件", "count", n)
	}

	// Repos
	c.Repos.Session = repository.NewSessionRepository(db)
	c.Repos.Event = repository.NewEventRepository(db)
	c.Repos.Batch = repository.NewBatchRepository(db)

	// Services
	c.Services.Sessions = service.NewSessionManager(c.Repos.Session, c.Journal, c.Hub, service.SessionConfig{
		IdleTimeout:  time.Duration(cfg.Session.IdleTimeoutMin) * time.Minute,
		SamplingRate: cfg.Session.SamplingRate,
	})
	current := c.Services.Sessions.CurrentSessionID
	c.Services.Store = service.NewEventStore(c.Repos.Event, c.Blobs, c.Journal, cfg.Events.InlineThresholdBytes)
	c.Services.Guard = service.NewStorageGuard(
		c.Repos.Session, c.Repos.Event, c.Blobs, c.Journal, current,
		cfg.Storage.RootDir, cfg.Storage.MaxEvents, uint64(cfg.Storage.MinFreeDiskMB)<<20,
	)
	c.Services.Recovery = service.NewRecovery(c.Repos.Session, c.Repos.Event, c.Journal)

	c.ExitSource = collector.NewDirExitSource(cfg.AppExit.RecordsDir, time.Duration(cfg.AppExit.RetentionHours)*time.Hour)
	c.Services.Reconciler = service.NewAppExitReconciler(c.Repos.Session, c.Services.Store, c.ExitSource, c.Hub, current)

	if cfg.Export.Enabled() {
		sender, err := transport.NewHTTPSender(transport.Config{
			Endpoint: cfg.Export.Endpoint,
			APIKey:   cfg.Export.APIKey,
			Compress: cfg.Export.Compress,
			Timeout:  time.Duration(cfg.Export.TimeoutSec) * time.Second,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		c.Services.Exporter = service.NewExporter(
			c.Repos.Event, c.Repos.Session, c.Repos.Batch, c.Blobs, c.Journal,
			sender, c.Hub, current,
			service.ExporterConfig{
				Timeout:            time.Duration(cfg.Export.TimeoutSec) * time.Second,
				MaxBatchEvents:     cfg.Export.MaxBatchEvents,
				MaxBatchBytes:      cfg.Export.MaxBatchBytes,
				MaxBatchesPerCycle: cfg.Export.MaxBatchesPerCycle,
				AllowTypes:         allowTypes,
			},
		)
	} else {
		slog.Warn("未配置 export.endpoint，事件只在本地保存")
	}

	c.Services.Pipeline = service.NewPipeline(service.PipelineDeps{
		Sessions:   c.Services.Sessions,
		Store:      c.Services.Store,
		Exporter:   c.Services.Exporter,
		Guard:      c.Services.Guard,
		Reconciler: c.Services.Reconciler,
		Recovery:   c.Services.Recovery,
		Hub:        c.Hub,
	}, service.PipelineConfig{
		QueueSize:      cfg.Events.QueueSize,
		ExportInterval: time.Duration(cfg.Export.IntervalSec) * time.Second,
		BackoffInitial: time.Duration(cfg.Export.BackoffInitialSec) * time.Second,
		BackoffMax:     time.Duration(cfg.Export.BackoffMaxSec) * time.Second,
		ExportEvery:    service.DefaultPipelineConfig().ExportEvery,
		GuardEvery:     service.DefaultPipelineConfig().GuardEvery,
	})

	if db.SafeMode {
		slog.Warn("数据库处于安全模式，写入链路不可用", "reason", db.MigrationError)
	}
	return c, nil
}

// Status 汇总存储、管道与导出状态
func (c *Core) Status(ctx context.Context) dto.StatusDTO {
	st := dto.StatusDTO{
		App: dto.AppStatusDTO{
			Name:      c.Cfg.App.Name,
			Version:   buildinfo.String(),
			StartedAt: c.StartedAt.Format(time.RFC3339),
			UptimeSec: int64(time.Since(c.StartedAt).Seconds()),
			SafeMode:  c.DB != nil && c.DB.SafeMode,
		},
	}
	if c.DB != nil {
		st.Storage.DBPath = c.Cfg.Storage.DBPath
		st.Storage.SchemaVersion = c.DB.SchemaVersion
		st.Storage.SafeModeReason = c.DB.MigrationError
	}
	if n, err := c.Repos.Event.Count(ctx); err == nil {
		st.Storage.EventCount = n
	}
	if n, err := c.Repos.Session.Count(ctx); err == nil {
		st.Storage.SessionCount = n
	}
	if n, err := c.Repos.Batch.CountPending(ctx); err == nil {
		st.Storage.PendingBatches = n
	}
	st.Pipeline, st.Export = c.Services.Pipeline.Stats()
	return st
}

// Close 释放资源
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
	if c.LogCloser != nil {
		_ = c.LogCloser.Close()
	}
	return nil
}

func parseEventTypes(names []string) ([]schema.EventType, error) {
	out := make([]schema.EventType, 0, len(names))
	for _, n := range names {
		t := schema.EventType(n)
		if !t.Valid() {
			return nil, fmt.Errorf("events.always_export_types 包含未知类型: %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}
