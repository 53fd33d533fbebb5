package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

func DefaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("获取可执行文件路径失败: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "config", "config.yaml"), nil
}

// WriteFile 以 YAML 写出配置（键名与 Load 一致）
func WriteFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("cfg 不能为空")
	}
	if path == "" {
		return fmt.Errorf("path 不能为空")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	payload := map[string]any{
		"app": map[string]any{
			"name":      cfg.App.Name,
			"version":   cfg.App.Version,
			"log_level": cfg.App.LogLevel,
			"log_path":  cfg.App.LogPath,
		},
		"storage": map[string]any{
			"root_dir":         cfg.Storage.RootDir,
			"db_path":          cfg.Storage.DBPath,
			"max_events":       cfg.Storage.MaxEvents,
			"min_free_disk_mb": cfg.Storage.MinFreeDiskMB,
		},
		"events": map[string]any{
			"inline_threshold_bytes": cfg.Events.InlineThresholdBytes,
			"queue_size":             cfg.Events.QueueSize,
			"always_export_types":    cfg.Events.AlwaysExportTypes,
		},
		"session": map[string]any{
			"idle_timeout_min": cfg.Session.IdleTimeoutMin,
			"sampling_rate":    cfg.Session.SamplingRate,
		},
		"export": map[string]any{
			"endpoint":              cfg.Export.Endpoint,
			"api_key":               cfg.Export.APIKey,
			"interval_sec":          cfg.Export.IntervalSec,
			"timeout_sec":           cfg.Export.TimeoutSec,
			"max_batch_events":      cfg.Export.MaxBatchEvents,
			"max_batch_bytes":       cfg.Export.MaxBatchBytes,
			"max_batches_per_cycle": cfg.Export.MaxBatchesPerCycle,
			"backoff_initial_sec":   cfg.Export.BackoffInitialSec,
			"backoff_max_sec":       cfg.Export.BackoffMaxSec,
			"compress":              cfg.Export.Compress,
		},
		"appexit": map[string]any{
			"records_dir":     cfg.AppExit.RecordsDir,
			"watch":           cfg.AppExit.Watch,
			"retention_hours": cfg.AppExit.RetentionHours,
		},
	}

	b, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
