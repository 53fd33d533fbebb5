package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yuqie6/telepipe/internal/repository"
)

// ReplayResult 日志重放结果
type ReplayResult struct {
	Sessions int
	Replayed int
	Stale    int
}

// Recovery 启动时把会话日志中有、库里没有的事件补写回库
// （进程在写日志与提交事务之间被杀的情况）
type Recovery struct {
	sessions SessionRepository
	events   EventRepository
	journal  Journal
}

func NewRecovery(sessions SessionRepository, events EventRepository, journal Journal) *Recovery {
	return &Recovery{sessions: sessions, events: events, journal: journal}
}

// Replay 必须在管道接收新事件之前调用
func (r *Recovery) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	if r.journal == nil {
		return res, nil
	}
	descs, err := r.journal.ListSessions()
	if err != nil {
		return res, err
	}

	for _, desc := range descs {
		s, err := r.sessions.GetByID(ctx, desc.ID)
		if err != nil {
			return res, err
		}
		if s == nil {
			// 会话已导出或被淘汰，只是日志目录没删掉
			if err := r.journal.DeleteSession(desc.ID); err != nil {
				slog.Warn("删除过期会话日志失败", "session_id", desc.ID, "error", err)
			}
			res.Stale++
			continue
		}
		res.Sessions++

		entries, err := r.journal.Pending(desc.ID)
		if err != nil {
			slog.Warn("读取会话日志失败", "session_id", desc.ID, "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.Event.ID)
		}
		existing, err := r.events.ExistingIDs(ctx, ids)
		if err != nil {
			return res, err
		}
		for i := range entries {
			entry := entries[i]
			if _, ok := existing[entry.Event.ID]; ok {
				continue
			}
			ev := entry.Event
			ev.BatchID = nil
			if err := r.events.Insert(ctx, &ev, entry.Attachments); err != nil {
				if !errors.Is(err, repository.ErrDuplicateID) {
					slog.Error("重放事件失败", "event_id", ev.ID, "session_id", desc.ID, "error", err)
				}
				continue
			}
			res.Replayed++
		}
	}
	if res.Replayed > 0 || res.Stale > 0 {
		slog.Info("会话日志重放完成", "sessions", res.Sessions, "replayed", res.Replayed, "stale", res.Stale)
	}
	return res, nil
}
