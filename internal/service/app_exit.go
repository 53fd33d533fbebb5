package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/schema"
)

// AppExitReconciler 将系统上报的进程退出记录关联到该进程内的会话
type AppExitReconciler struct {
	sessions SessionRepository
	store    *EventStore
	source   ExitSource
	hub      *eventbus.Hub
	current  func() string
}

// NewAppExitReconciler 创建退出记录关联器；current 返回当前会话 ID，可为 nil
func NewAppExitReconciler(sessions SessionRepository, store *EventStore, source ExitSource, hub *eventbus.Hub, current func() string) *AppExitReconciler {
	return &AppExitReconciler{sessions: sessions, store: store, source: source, hub: hub, current: current}
}

// Reconcile 为每个同时出现在退出记录与未关联会话中的 pid 生成一条 app_exit 事件。
// 事件挂在该 pid 最后创建的会话上，时间戳取退出记录自身的时间。返回生成的事件数。
func (r *AppExitReconciler) Reconcile(ctx context.Context) (int, error) {
	if r.source == nil {
		return 0, nil
	}
	exits, err := r.source.ListRecentExits(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取退出记录失败: %w", err)
	}
	if len(exits) == 0 {
		return 0, nil
	}

	byPID := make(map[int][]dto.AppExit)
	for _, e := range exits {
		byPID[e.PID] = append(byPID[e.PID], e)
	}

	untracked, err := r.sessions.GetSessionsWithUntrackedAppExit(ctx)
	if err != nil {
		return 0, err
	}

	current := ""
	if r.current != nil {
		current = r.current()
	}

	pids := make([]int, 0, len(untracked))
	for pid := range untracked {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	emitted := 0
	for _, pid := range pids {
		candidates := withoutID(untracked[pid], current)
		records := byPID[pid]
		if len(candidates) == 0 || len(records) == 0 {
			continue
		}

		exit := latestExit(records)
		sessionID := candidates[len(candidates)-1]
		if len(candidates) > 1 || len(records) > 1 {
			slog.Info("退出记录关联存在歧义，取最后创建的会话",
				"pid", pid, "sessions", len(candidates), "exit_records", len(records), "session_id", sessionID)
		}

		payload, err := json.Marshal(exit)
		if err != nil {
			slog.Warn("序列化退出记录失败", "pid", pid, "error", err)
			continue
		}
		_, err = r.store.Store(ctx, &NewEvent{
			Type:      schema.EventTypeAppExit,
			Timestamp: exit.TimestampMs,
			SessionID: sessionID,
			Payload:   payload,
			Attributes: schema.Attributes{
				"reason": schema.StringAttr(exit.Reason),
				"pid":    schema.IntAttr(int64(pid)),
			},
		})
		if err != nil {
			slog.Error("写入 app_exit 事件失败", "pid", pid, "session_id", sessionID, "error", err)
			continue
		}
		if err := r.sessions.UpdateAppExitTracked(ctx, pid, excludeIDs(current)...); err != nil {
			slog.Error("更新 app_exit_tracked 失败", "pid", pid, "error", err)
			continue
		}
		emitted++
		r.hub.Publish(eventbus.Event{Type: eventbus.TopicAppExitTracked, Data: map[string]any{
			"pid": pid, "session_id": sessionID, "reason": exit.Reason,
		}})
	}
	return emitted, nil
}

func latestExit(records []dto.AppExit) dto.AppExit {
	latest := records[0]
	for _, r := range records[1:] {
		if r.TimestampMs > latest.TimestampMs {
			latest = r
		}
	}
	return latest
}

func excludeIDs(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func withoutID(ids []string, drop string) []string {
	if drop == "" {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
