package repository

import (
	"context"
	"testing"

	"github.com/yuqie6/telepipe/internal/schema"
	"github.com/yuqie6/telepipe/internal/testutil"
)

type repos struct {
	db       *Database
	sessions *SessionRepository
	events   *EventRepository
	batches  *BatchRepository
}

func openRepos(t *testing.T) repos {
	t.Helper()
	db := Wrap(testutil.OpenTestDB(t))
	return repos{
		db:       db,
		sessions: NewSessionRepository(db),
		events:   NewEventRepository(db),
		batches:  NewBatchRepository(db),
	}
}

func strPtr(s string) *string { return &s }

func mustSession(t *testing.T, r repos, id string, pid int, createdAt int64, needsReporting bool) {
	t.Helper()
	if err := r.sessions.Insert(context.Background(), id, pid, createdAt, needsReporting); err != nil {
		t.Fatalf("insert session %s: %v", id, err)
	}
}

func mustEvent(t *testing.T, r repos, ev schema.Event, atts ...schema.Attachment) {
	t.Helper()
	if ev.Type == "" {
		ev.Type = schema.EventTypeCustom
	}
	if err := r.events.Insert(context.Background(), &ev, atts); err != nil {
		t.Fatalf("insert event %s: %v", ev.ID, err)
	}
}
