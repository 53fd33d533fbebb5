package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Storage.MaxEvents != 50000 || cfg.Events.InlineThresholdBytes != 4096 || cfg.Session.IdleTimeoutMin != 20 {
		t.Fatalf("defaults=%+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Events.AlwaysExportTypes, []string{"cold_launch", "warm_launch", "hot_launch"}) {
		t.Fatalf("always_export_types=%v", cfg.Events.AlwaysExportTypes)
	}
	if cfg.Export.Enabled() || !cfg.Export.Compress || cfg.Export.MaxBatchBytes != 3<<20 {
		t.Fatalf("export=%+v", cfg.Export)
	}
	if filepath.Dir(cfg.Storage.DBPath) != cfg.Storage.RootDir || filepath.Base(cfg.Storage.DBPath) != "telepipe.db" {
		t.Fatalf("db_path=%s root=%s", cfg.Storage.DBPath, cfg.Storage.RootDir)
	}
	if cfg.AppExit.RecordsDir != filepath.Join(cfg.Storage.RootDir, "exits") {
		t.Fatalf("records_dir=%s", cfg.AppExit.RecordsDir)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Storage.RootDir = root
	cfg.Storage.DBPath = filepath.Join(root, "x.db")
	cfg.AppExit.RecordsDir = filepath.Join(root, "exits")
	cfg.Export.Endpoint = "https://collector.example.com"
	cfg.Export.APIKey = "${TELEPIPE_TEST_KEY}"
	cfg.Session.SamplingRate = 0.25

	path := filepath.Join(root, "config", "config.yaml")
	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	t.Setenv("TELEPIPE_TEST_KEY", "k-123")
	t.Setenv("TELEPIPE_EXPORT_INTERVAL_SEC", "7")
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.Export.APIKey != "k-123" {
		t.Fatalf("api key not expanded: %q", got.Export.APIKey)
	}
	if got.Export.IntervalSec != 7 {
		t.Fatalf("env override ignored: %d", got.Export.IntervalSec)
	}
	if got.Storage.DBPath != cfg.Storage.DBPath || got.Session.SamplingRate != 0.25 || !got.Export.Enabled() {
		t.Fatalf("loaded=%+v", got)
	}
}

func TestLoadRejectsBadSamplingRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  sampling_rate: 2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	closer, err := SetupLogger(LoggerOptions{Level: "debug", Path: path, Component: "test"})
	if err != nil {
		t.Fatalf("SetupLogger error: %v", err)
	}
	defer closer.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}
