package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ExitWatcher 监控退出记录投递目录，新记录写入后（防抖）回调 onChange
type ExitWatcher struct {
	watcher     *fsnotify.Watcher
	dir         string
	onChange    func()
	debounceDur time.Duration

	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
	stopOnce sync.Once
	timer    *time.Timer
	done     chan struct{}
}

// NewExitWatcher 创建目录监控器（目录不存在时自动创建）
func NewExitWatcher(dir string, debounce time.Duration, onChange func()) (*ExitWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange 不能为空")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建退出记录目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("添加监控目录失败: %w", err)
	}

	return &ExitWatcher{
		watcher:     watcher,
		dir:         dir,
		onChange:    onChange,
		debounceDur: debounce,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start 启动监控
func (w *ExitWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()
	slog.Info("退出记录监控启动", "dir", w.dir)

	go w.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (w *ExitWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		running := w.running
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		close(w.stopChan)
		_ = w.watcher.Close()
		if running {
			<-w.done
		}
		slog.Info("退出记录监控已停止")
	})
	return nil
}

func (w *ExitWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("文件监控错误", "error", err)
		}
	}
}

// handleFsEvent 只关心新建、写入与改名进来的 json 文件
func (w *ExitWatcher) handleFsEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
		return
	}

	// 防抖：同一批写入只触发一次
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDur, w.onChange)
}
