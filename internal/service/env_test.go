package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/yuqie6/telepipe/internal/blob"
	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/sessionlog"
	"github.com/yuqie6/telepipe/internal/testutil"
)

// testEnv 真实 sqlite + 临时目录中的 Blob/日志
type testEnv struct {
	sessions *repository.SessionRepository
	events   *repository.EventRepository
	batches  *repository.BatchRepository
	blobs    *blob.Store
	journal  *sessionlog.Log
	hub      *eventbus.Hub
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := repository.Wrap(testutil.OpenTestDB(t))
	root := t.TempDir()
	return &testEnv{
		sessions: repository.NewSessionRepository(db),
		events:   repository.NewEventRepository(db),
		batches:  repository.NewBatchRepository(db),
		blobs:    blob.NewStore(filepath.Join(root, "blobs")),
		journal:  sessionlog.New(filepath.Join(root, "sessions")),
		hub:      eventbus.NewHub(),
		root:     root,
	}
}

func (e *testEnv) eventStore(threshold int) *EventStore {
	return NewEventStore(e.events, e.blobs, e.journal, threshold)
}

func (e *testEnv) session(t *testing.T, id string, pid int, createdAt int64, needsReporting bool) {
	t.Helper()
	if err := e.sessions.Insert(context.Background(), id, pid, createdAt, needsReporting); err != nil {
		t.Fatalf("insert session %s: %v", id, err)
	}
}

// fakeSender 记录发送内容，按顺序返回预设错误
type fakeSender struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	batches []string
	events  [][]dto.EventPacket
	atts    [][]dto.AttachmentPacket
}

func (f *fakeSender) Send(ctx context.Context, batchID string, events []dto.EventPacket, attachments []dto.AttachmentPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, batchID)
	f.events = append(f.events, events)
	f.atts = append(f.atts, attachments)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSender) sentEventIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, batch := range f.events {
		for _, p := range batch {
			ids = append(ids, p.EventID)
		}
	}
	return ids
}

type rejectedErr struct{}

func (rejectedErr) Error() string   { return "rejected: 400" }
func (rejectedErr) Permanent() bool { return true }

var errNetwork = errors.New("connection refused")

// fakeExitSource 固定的退出记录
type fakeExitSource struct {
	exits []dto.AppExit
	err   error
}

func (f fakeExitSource) ListRecentExits(ctx context.Context) ([]dto.AppExit, error) {
	return f.exits, f.err
}
