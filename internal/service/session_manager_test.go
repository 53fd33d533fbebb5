package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/schema"
)

// ===== Mock Implementations =====

type fakeSessionRepo struct {
	mu       sync.Mutex
	inserted []schema.Session
	crashed  []string
}

func (f *fakeSessionRepo) Insert(ctx context.Context, id string, pid int, createdAtMs int64, needsReporting bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, schema.Session{ID: id, PID: pid, CreatedAtMs: createdAtMs, NeedsReporting: needsReporting})
	return nil
}
func (f *fakeSessionRepo) MarkCrashed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crashed = append(f.crashed, id)
	return nil
}
func (f *fakeSessionRepo) GetSessionsWithUntrackedAppExit(ctx context.Context) (map[int][]string, error) {
	return nil, nil
}
func (f *fakeSessionRepo) UpdateAppExitTracked(ctx context.Context, pid int, exclude ...string) error {
	return nil
}
func (f *fakeSessionRepo) GetOldestExcept(ctx context.Context, exclude ...string) (string, error) {
	return "", nil
}
func (f *fakeSessionRepo) GetSessionIDs(ctx context.Context, needsReporting bool, exclude []string, maxCount int) ([]string, error) {
	return nil, nil
}
func (f *fakeSessionRepo) GetByID(ctx context.Context, id string) (*schema.Session, error) {
	return nil, nil
}
func (f *fakeSessionRepo) Count(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeSessionRepo) DeleteSessions(ctx context.Context, ids []string) []string {
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSessionManager(repo *fakeSessionRepo, clock *fakeClock, cfg SessionConfig) *SessionManager {
	m := NewSessionManager(repo, nil, nil, cfg)
	m.now = clock.now
	m.pid = 4242
	seq := 0
	m.newID = func() string {
		seq++
		return "sess-" + string(rune('0'+seq))
	}
	return m
}

func TestSessionManagerStartPersistsSession(t *testing.T) {
	repo := &fakeSessionRepo{}
	clock := &fakeClock{t: time.UnixMilli(1_000)}
	m := newTestSessionManager(repo, clock, SessionConfig{})

	id, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if id != "sess-1" || m.CurrentSessionID() != id {
		t.Fatalf("id=%q current=%q", id, m.CurrentSessionID())
	}
	if len(repo.inserted) != 1 || repo.inserted[0].PID != 4242 || repo.inserted[0].CreatedAtMs != 1000 {
		t.Fatalf("inserted=%+v", repo.inserted)
	}
	if repo.inserted[0].NeedsReporting {
		t.Fatalf("sampling rate 0 must not report")
	}
}

func TestSessionManagerIdleTimeoutCreatesNewSession(t *testing.T) {
	repo := &fakeSessionRepo{}
	clock := &fakeClock{t: time.UnixMilli(0)}
	m := newTestSessionManager(repo, clock, SessionConfig{IdleTimeout: 20 * time.Minute})
	first, _ := m.Start(context.Background())

	m.OnBackground()
	clock.advance(5 * time.Minute)
	if _, created := m.OnForeground(); created {
		t.Fatalf("short background must keep the session")
	}
	if m.CurrentSessionID() != first {
		t.Fatalf("session changed unexpectedly")
	}

	m.OnBackground()
	clock.advance(21 * time.Minute)
	s, created := m.OnForeground()
	if !created || s == nil || s.ID == first {
		t.Fatalf("expected a new session, got %+v created=%v", s, created)
	}
	if m.CurrentSessionID() != s.ID {
		t.Fatalf("cache not refreshed")
	}
	// 持久化由调用方负责
	if len(repo.inserted) != 1 {
		t.Fatalf("OnForeground must not touch the repository")
	}
	if err := m.Persist(context.Background(), s); err != nil {
		t.Fatalf("Persist error: %v", err)
	}
	if len(repo.inserted) != 2 || repo.inserted[1].CreatedAtMs != clock.t.UnixMilli() {
		t.Fatalf("inserted=%+v", repo.inserted)
	}
}

func TestSessionManagerSampling(t *testing.T) {
	repo := &fakeSessionRepo{}
	clock := &fakeClock{t: time.UnixMilli(0)}
	m := newTestSessionManager(repo, clock, SessionConfig{SamplingRate: 0.5})
	m.sample = func() float64 { return 0.2 }
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !repo.inserted[0].NeedsReporting {
		t.Fatalf("sampled session should need reporting")
	}
}

func TestSessionManagerCrashMarking(t *testing.T) {
	repo := &fakeSessionRepo{}
	clock := &fakeClock{t: time.UnixMilli(0)}
	m := newTestSessionManager(repo, clock, SessionConfig{})
	hub := eventbus.NewHub()
	m.hub = hub
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crashes := hub.Subscribe(ctx, 1, eventbus.TopicSessionCrashed)

	id, _ := m.Start(context.Background())
	m.MarkCrashedLocal(id)
	cur, ok := m.Current()
	if !ok || !cur.Crashed || !cur.NeedsReporting {
		t.Fatalf("cache not updated: %+v", cur)
	}
	if len(repo.crashed) != 0 {
		t.Fatalf("local marking must not touch the repository")
	}

	if err := m.PersistCrash(context.Background(), id); err != nil {
		t.Fatalf("PersistCrash error: %v", err)
	}
	if len(repo.crashed) != 1 || repo.crashed[0] != id {
		t.Fatalf("crashed=%v", repo.crashed)
	}
	select {
	case evt := <-crashes:
		if evt.Data["session_id"] != id {
			t.Fatalf("event=%+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("crash not published")
	}
}
