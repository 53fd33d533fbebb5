package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDirExitSourceReadsAndPrunes(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}
	write("one.json", `{"pid":42,"reason":"crash","timestamp_ms":2000}`)
	write("many.json", `[{"pid":7,"reason":"anr","timestamp_ms":1000},{"pid":0,"reason":"bad","timestamp_ms":5}]`)
	write("broken.json", `{"pid":`)
	write("notes.txt", `ignored`)
	old := write("old.json", `{"pid":1,"reason":"low_memory","timestamp_ms":10}`)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	src := NewDirExitSource(dir, 24*time.Hour)
	exits, err := src.ListRecentExits(context.Background())
	if err != nil {
		t.Fatalf("ListRecentExits error: %v", err)
	}
	if len(exits) != 2 || exits[0].PID != 7 || exits[1].PID != 42 {
		t.Fatalf("exits=%+v", exits)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expired record not pruned: %v", err)
	}
}

func TestDirExitSourceMissingDir(t *testing.T) {
	src := NewDirExitSource(filepath.Join(t.TempDir(), "absent"), 0)
	exits, err := src.ListRecentExits(context.Background())
	if err != nil || len(exits) != 0 {
		t.Fatalf("exits=%v err=%v", exits, err)
	}
}

func TestExitWatcherDebouncesWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exits")
	var calls atomic.Int32
	w, err := NewExitWatcher(dir, 100*time.Millisecond, func() { calls.Add(1) })
	if err != nil {
		t.Fatalf("NewExitWatcher error: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_ = os.WriteFile(filepath.Join(dir, "exit.json"), []byte(`{"pid":1,"timestamp_ms":1}`), 0o644)
	}
	_ = os.WriteFile(filepath.Join(dir, "ignored.tmp"), []byte("x"), 0o644)

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("onChange calls=%d, want 1", got)
	}
}
