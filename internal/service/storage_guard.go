package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yuqie6/telepipe/internal/pkg/diskstat"
)

// maxEvictionsPerRun 单轮最多淘汰的会话数，防止异常情况下长时间占用写锁
const maxEvictionsPerRun = 1000

// StorageGuard 存储压力下按创建时间淘汰最早的会话
type StorageGuard struct {
	sessions     SessionRepository
	events       EventRepository
	blobs        BlobStore
	journal      Journal
	current      func() string
	root         string
	maxEvents    int64
	minFreeBytes uint64
	freeBytes    func(path string) (uint64, error)
}

// NewStorageGuard 创建存储守卫；maxEvents<=0 或 minFreeBytes==0 时关闭对应检查
func NewStorageGuard(sessions SessionRepository, events EventRepository, blobs BlobStore, journal Journal, current func() string, root string, maxEvents int64, minFreeBytes uint64) *StorageGuard {
	if current == nil {
		current = func() string { return "" }
	}
	return &StorageGuard{
		sessions:     sessions,
		events:       events,
		blobs:        blobs,
		journal:      journal,
		current:      current,
		root:         root,
		maxEvents:    maxEvents,
		minFreeBytes: minFreeBytes,
		freeBytes:    diskstat.FreeBytes,
	}
}

// Enforce 在存储压力解除前持续淘汰最早的会话（不淘汰当前会话），返回淘汰数
func (g *StorageGuard) Enforce(ctx context.Context) (int, error) {
	evicted := 0
	last := ""
	for evicted < maxEvictionsPerRun {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		pressure, reason, err := g.underPressure(ctx)
		if err != nil {
			return evicted, err
		}
		if !pressure {
			break
		}

		oldest, err := g.sessions.GetOldestExcept(ctx, g.current())
		if err != nil {
			return evicted, err
		}
		if oldest == "" {
			slog.Warn("存储压力仍在，但只剩当前会话可用", "reason", reason)
			break
		}
		if oldest == last {
			slog.Error("淘汰会话未生效，停止本轮淘汰", "session_id", oldest)
			break
		}
		last = oldest

		g.blobs.Remove(g.sessions.DeleteSessions(ctx, []string{oldest}))
		if g.journal != nil {
			if err := g.journal.DeleteSession(oldest); err != nil {
				slog.Warn("删除会话日志失败", "session_id", oldest, "error", err)
			}
		}
		evicted++
		slog.Warn("存储压力，已淘汰最早会话", "session_id", oldest, "reason", reason)
	}
	return evicted, nil
}

func (g *StorageGuard) underPressure(ctx context.Context) (bool, string, error) {
	if g.maxEvents > 0 {
		count, err := g.events.Count(ctx)
		if err != nil {
			return false, "", err
		}
		if count > g.maxEvents {
			return true, "max_events", nil
		}
	}
	if g.minFreeBytes > 0 && g.root != "" {
		free, err := g.freeBytes(g.root)
		if err != nil {
			if !errors.Is(err, diskstat.ErrUnsupported) {
				slog.Warn("读取磁盘剩余空间失败", "path", g.root, "error", err)
			}
			return false, "", nil
		}
		if free < g.minFreeBytes {
			return true, "min_free_disk", nil
		}
	}
	return false, "", nil
}
