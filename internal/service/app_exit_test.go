package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/schema"
)

func TestAppExitReconcilerAttributesToLastSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "early", 42, 100, false)
	env.session(t, "late", 42, 200, false)
	env.session(t, "other", 7, 150, false)

	source := fakeExitSource{exits: []dto.AppExit{{PID: 42, Reason: "crash", TimestampMs: 5_000}}}
	r := NewAppExitReconciler(env.sessions, env.eventStore(4096), source, env.hub, nil)

	n, err := r.Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reconcile n=%d err=%v", n, err)
	}

	ids, _ := env.events.GetEventIDsForSessions(ctx, []string{"late"})
	if len(ids) != 1 {
		t.Fatalf("late session events=%v", ids)
	}
	evs, _ := env.events.GetByIDs(ctx, ids)
	ev := evs[0]
	if ev.Type != schema.EventTypeAppExit || ev.Timestamp != 5_000 {
		t.Fatalf("event=%+v", ev)
	}
	var payload dto.AppExit
	if ev.Serialized == nil || json.Unmarshal([]byte(*ev.Serialized), &payload) != nil || payload.Reason != "crash" {
		t.Fatalf("payload=%v", ev.Serialized)
	}
	if early, _ := env.events.GetEventIDsForSessions(ctx, []string{"early"}); len(early) != 0 {
		t.Fatalf("early session must not get the exit event")
	}

	untracked, _ := env.sessions.GetSessionsWithUntrackedAppExit(ctx)
	if _, ok := untracked[42]; ok {
		t.Fatalf("pid 42 still untracked: %v", untracked)
	}
	if len(untracked[7]) != 1 {
		t.Fatalf("pid 7 must stay untracked: %v", untracked)
	}

	// 再次运行不会重复生成
	if n, _ := r.Reconcile(ctx); n != 0 {
		t.Fatalf("second run emitted %d", n)
	}
}

func TestAppExitReconcilerPicksLatestRecordAndSkipsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "prev", 42, 100, false)
	env.session(t, "current", 42, 200, false)

	source := fakeExitSource{exits: []dto.AppExit{
		{PID: 42, Reason: "low_memory", TimestampMs: 1_000},
		{PID: 42, Reason: "anr", TimestampMs: 3_000},
	}}
	r := NewAppExitReconciler(env.sessions, env.eventStore(4096), source, env.hub, func() string { return "current" })
	if n, err := r.Reconcile(ctx); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	ids, _ := env.events.GetEventIDsForSessions(ctx, []string{"prev"})
	evs, _ := env.events.GetByIDs(ctx, ids)
	if len(evs) != 1 || evs[0].Timestamp != 3_000 {
		t.Fatalf("events=%+v", evs)
	}
	if reason, _ := evs[0].Attributes["reason"].AsString(); reason != "anr" {
		t.Fatalf("reason=%q", reason)
	}
}

func TestAppExitReconcilerLeavesCurrentSessionUntrackedOnPIDReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "old", 42, 100, false)
	env.session(t, "current", 42, 200, false)

	source := fakeExitSource{exits: []dto.AppExit{{PID: 42, Reason: "crash", TimestampMs: 1_000}}}
	r := NewAppExitReconciler(env.sessions, env.eventStore(4096), source, env.hub, func() string { return "current" })
	if n, err := r.Reconcile(ctx); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	old, _ := env.sessions.GetByID(ctx, "old")
	if old == nil || !old.AppExitTracked {
		t.Fatalf("old session should be tracked: %+v", old)
	}
	cur, _ := env.sessions.GetByID(ctx, "current")
	if cur == nil || cur.AppExitTracked {
		t.Fatalf("current session must stay untracked: %+v", cur)
	}
	if ids, _ := env.events.GetEventIDsForSessions(ctx, []string{"current"}); len(ids) != 0 {
		t.Fatalf("current session got exit events: %v", ids)
	}
}

func TestAppExitReconcilerEmptyAndFailingSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "s1", 42, 100, false)

	r := NewAppExitReconciler(env.sessions, env.eventStore(4096), fakeExitSource{}, env.hub, nil)
	if n, err := r.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("empty source n=%d err=%v", n, err)
	}
	r = NewAppExitReconciler(env.sessions, env.eventStore(4096), fakeExitSource{err: errors.New("boom")}, env.hub, nil)
	if _, err := r.Reconcile(ctx); err == nil {
		t.Fatalf("expected source error")
	}
	r = NewAppExitReconciler(env.sessions, env.eventStore(4096), nil, env.hub, nil)
	if n, err := r.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("nil source n=%d err=%v", n, err)
	}
	if n, _ := env.events.Count(ctx); n != 0 {
		t.Fatalf("no events expected, got %d", n)
	}
}
