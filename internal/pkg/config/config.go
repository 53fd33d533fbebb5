package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Session SessionConfig `mapstructure:"session"`
	Export  ExportConfig  `mapstructure:"export"`
	AppExit AppExitConfig `mapstructure:"appexit"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	RootDir       string `mapstructure:"root_dir"`
	DBPath        string `mapstructure:"db_path"`
	MaxEvents     int64  `mapstructure:"max_events"`
	MinFreeDiskMB int    `mapstructure:"min_free_disk_mb"`
}

// EventsConfig 事件写入配置
type EventsConfig struct {
	InlineThresholdBytes int      `mapstructure:"inline_threshold_bytes"`
	QueueSize            int      `mapstructure:"queue_size"`
	AlwaysExportTypes    []string `mapstructure:"always_export_types"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	IdleTimeoutMin int     `mapstructure:"idle_timeout_min"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// ExportConfig 导出配置
type ExportConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	APIKey             string `mapstructure:"api_key"`
	IntervalSec        int    `mapstructure:"interval_sec"`
	TimeoutSec         int    `mapstructure:"timeout_sec"`
	MaxBatchEvents     int    `mapstructure:"max_batch_events"`
	MaxBatchBytes      int64  `mapstructure:"max_batch_bytes"`
	MaxBatchesPerCycle int    `mapstructure:"max_batches_per_cycle"`
	BackoffInitialSec  int    `mapstructure:"backoff_initial_sec"`
	BackoffMaxSec      int    `mapstructure:"backoff_max_sec"`
	Compress           bool   `mapstructure:"compress"`
}

// AppExitConfig 退出记录配置
type AppExitConfig struct {
	RecordsDir     string `mapstructure:"records_dir"`
	Watch          bool   `mapstructure:"watch"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

// Enabled 是否配置了采集端
func (c ExportConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// BlobDir 大载荷文件目录
func (c StorageConfig) BlobDir() string {
	return filepath.Join(c.RootDir, "blobs")
}

// SessionsDir 会话日志目录
func (c StorageConfig) SessionsDir() string {
	return filepath.Join(c.RootDir, "sessions")
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认查找路径
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 支持环境变量
	v.SetEnvPrefix("TELEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("配置文件未找到，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		slog.Info("加载配置文件", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回默认配置（不读文件与环境变量）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = cfg.normalize()
	return &cfg
}

func (c *Config) normalize() error {
	// 处理环境变量占位符
	c.Export.APIKey = expandEnv(c.Export.APIKey)
	c.Export.Endpoint = expandEnv(c.Export.Endpoint)

	// 处理相对路径，派生路径跟随 root_dir
	c.Storage.RootDir = resolvePath(c.Storage.RootDir)
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.RootDir, "telepipe.db")
	} else {
		c.Storage.DBPath = resolvePath(c.Storage.DBPath)
	}
	if c.AppExit.RecordsDir == "" {
		c.AppExit.RecordsDir = filepath.Join(c.Storage.RootDir, "exits")
	} else {
		c.AppExit.RecordsDir = resolvePath(c.AppExit.RecordsDir)
	}
	if c.App.LogPath != "" {
		c.App.LogPath = resolvePath(c.App.LogPath)
	}

	if c.Session.SamplingRate < 0 || c.Session.SamplingRate > 1 {
		return fmt.Errorf("session.sampling_rate 必须在 0~1 之间: %v", c.Session.SamplingRate)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "telepipe")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_path", "")

	// Storage
	v.SetDefault("storage.root_dir", "./data")
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_events", 50000)
	v.SetDefault("storage.min_free_disk_mb", 50)

	// Events
	v.SetDefault("events.inline_threshold_bytes", 4096)
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.always_export_types", []string{"cold_launch", "warm_launch", "hot_launch"})

	// Session
	v.SetDefault("session.idle_timeout_min", 20)
	v.SetDefault("session.sampling_rate", 0)

	// Export
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.api_key", "")
	v.SetDefault("export.interval_sec", 30)
	v.SetDefault("export.timeout_sec", 30)
	v.SetDefault("export.max_batch_events", 500)
	v.SetDefault("export.max_batch_bytes", 3<<20)
	v.SetDefault("export.max_batches_per_cycle", 5)
	v.SetDefault("export.backoff_initial_sec", 30)
	v.SetDefault("export.backoff_max_sec", 3600)
	v.SetDefault("export.compress", true)

	// AppExit
	v.SetDefault("appexit.records_dir", "")
	v.SetDefault("appexit.watch", true)
	v.SetDefault("appexit.retention_hours", 72)
}

// expandEnv 展开环境变量占位符 ${VAR}
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		return os.Getenv(envVar)
	}
	return s
}

// resolvePath 解析相对路径为绝对路径（相对于可执行文件目录）
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	exe, err := os.Executable()
	if err != nil {
		return path
	}

	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, path)
}

// LoggerOptions 日志配置
type LoggerOptions struct {
	Level     string
	Path      string // 为空时只写 stdout
	Component string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogger 根据配置设置默认 logger，返回的 Closer 用于关闭日志文件
func SetupLogger(opts LoggerOptions) (io.Closer, error) {
	var logLevel slog.Level
	switch strings.ToLower(opts.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}
	slog.SetDefault(logger)
	return closer, nil
}
