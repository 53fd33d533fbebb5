package service

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/yuqie6/telepipe/internal/schema"
)

func newTestExporter(env *testEnv, sender Sender, current string) *Exporter {
	cfg := DefaultExporterConfig()
	cfg.Timeout = time.Second
	return NewExporter(env.events, env.sessions, env.batches, env.blobs, env.journal, sender, env.hub,
		func() string { return current }, cfg)
}

func TestExporterSuccessDeletesDataAndClosesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "old", 1, 1000, true)
	env.session(t, "cur", 1, 2000, true)
	store := env.eventStore(8)

	big, _ := store.Store(ctx, &NewEvent{ID: "e1", Type: schema.EventTypeCustom, Timestamp: 1, SessionID: "old",
		Payload:     []byte(`{"big":"payload"}`),
		Attributes:  schema.Attributes{"k": schema.IntAttr(3)},
		Attachments: []NewAttachment{{ID: "a1", Name: "s.png", Type: "screenshot", Bytes: []byte("img")}}})
	store.Store(ctx, &NewEvent{ID: "e2", Type: schema.EventTypeCustom, Timestamp: 2, SessionID: "cur", Payload: []byte(`{}`)})

	sender := &fakeSender{}
	exp := newTestExporter(env, sender, "cur")
	res, err := exp.ExportCycle(ctx)
	if err != nil {
		t.Fatalf("ExportCycle error: %v", err)
	}
	if res.Batches != 1 || res.Exported != 2 {
		t.Fatalf("res=%+v", res)
	}

	pkts := sender.events[0]
	if len(pkts) != 2 || pkts[0].EventID != "e1" || pkts[0].Data != `{"big":"payload"}` || pkts[0].Attributes != `{"k":3}` {
		t.Fatalf("packets=%+v", pkts)
	}
	if pkts[0].Attachments != `[{"name":"s.png","type":"screenshot"}]` || pkts[0].Timestamp != "1970-01-01T00:00:00.001Z" {
		t.Fatalf("packet meta=%+v", pkts[0])
	}
	if len(sender.atts[0]) != 1 || sender.atts[0][0].ID != "a1" {
		t.Fatalf("attachment packets=%+v", sender.atts[0])
	}

	if n, _ := env.events.Count(ctx); n != 0 {
		t.Fatalf("events left=%d", n)
	}
	if _, err := os.Stat(*big.FilePath); !os.IsNotExist(err) {
		t.Fatalf("payload blob not removed: %v", err)
	}
	if s, _ := env.sessions.GetByID(ctx, "old"); s != nil {
		t.Fatalf("exported non-current session should be closed")
	}
	if s, _ := env.sessions.GetByID(ctx, "cur"); s == nil {
		t.Fatalf("current session must survive")
	}
	if entries, _ := env.journal.Pending("cur"); len(entries) != 0 {
		t.Fatalf("exported events must be tombstoned, pending=%d", len(entries))
	}
	if exported, _ := exp.Totals(); exported != 2 {
		t.Fatalf("exported total=%d", exported)
	}
}

func TestExporterTransientFailureKeepsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "s1", 1, 1000, true)
	env.eventStore(4096).Store(ctx, &NewEvent{ID: "e1", Type: schema.EventTypeCustom, Timestamp: 1, SessionID: "s1"})

	sender := &fakeSender{errs: []error{errNetwork}}
	exp := newTestExporter(env, sender, "s1")
	if _, err := exp.ExportCycle(ctx); !errors.Is(err, errNetwork) {
		t.Fatalf("err=%v, want network error", err)
	}
	groups, _ := env.batches.GetBatches(ctx, 0)
	if len(groups) != 1 || !reflect.DeepEqual(groups[0].EventIDs, []string{"e1"}) {
		t.Fatalf("batch must be kept: %+v", groups)
	}
	firstBatch := groups[0].BatchID

	// 重试沿用同一批次，不会重新分批
	res, err := exp.ExportCycle(ctx)
	if err != nil || res.Exported != 1 {
		t.Fatalf("retry res=%+v err=%v", res, err)
	}
	if sender.batches[1] != firstBatch {
		t.Fatalf("retry used batch %s, want %s", sender.batches[1], firstBatch)
	}
	if n, _ := env.batches.CountPending(ctx); n != 0 {
		t.Fatalf("pending=%d", n)
	}
}

func TestExporterPermanentFailureDropsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "s1", 1, 1000, true)
	env.eventStore(4096).Store(ctx, &NewEvent{ID: "e1", Type: schema.EventTypeCustom, Timestamp: 1, SessionID: "s1"})

	sender := &fakeSender{errs: []error{rejectedErr{}}}
	exp := newTestExporter(env, sender, "s1")
	res, err := exp.ExportCycle(ctx)
	if err != nil {
		t.Fatalf("permanent failure must not stop the cycle: %v", err)
	}
	if res.Dropped != 1 || res.Exported != 0 {
		t.Fatalf("res=%+v", res)
	}
	if n, _ := env.events.Count(ctx); n != 0 {
		t.Fatalf("rejected events must be deleted, left=%d", n)
	}
	if _, dropped := exp.Totals(); dropped != 1 {
		t.Fatalf("dropped total=%d", dropped)
	}
}

func TestExporterCycleIsMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)
	exp := newTestExporter(env, &fakeSender{}, "")
	exp.cycleMu.Lock()
	res, err := exp.ExportCycle(context.Background())
	exp.cycleMu.Unlock()
	if err != nil || !res.Skipped {
		t.Fatalf("res=%+v err=%v, want skipped", res, err)
	}
}

func TestExporterPreviousSessionsFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "prev", 1, 1000, true)
	env.session(t, "cur", 2, 2000, true)
	store := env.eventStore(4096)
	store.Store(ctx, &NewEvent{ID: "c1", Type: schema.EventTypeCustom, Timestamp: 1, SessionID: "cur"})
	store.Store(ctx, &NewEvent{ID: "p1", Type: schema.EventTypeCustom, Timestamp: 2, SessionID: "prev"})
	store.Store(ctx, &NewEvent{ID: "p2", Type: schema.EventTypeCustom, Timestamp: 3, SessionID: "prev"})

	sender := &fakeSender{}
	exp := newTestExporter(env, sender, "cur")
	res, err := exp.ExportPreviousSessions(ctx)
	if err != nil || res.Exported != 2 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if !reflect.DeepEqual(sender.sentEventIDs(), []string{"p1", "p2"}) {
		t.Fatalf("sent=%v", sender.sentEventIDs())
	}
	if n, _ := env.events.CountForSession(ctx, "cur"); n != 1 {
		t.Fatalf("current session events must wait, count=%d", n)
	}
}

func TestExporterCleanupUnreported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.session(t, "done", 1, 1000, false)
	env.session(t, "waiting", 1, 1100, false)
	env.session(t, "cur", 1, 1200, false)
	store := env.eventStore(4096)
	store.Store(ctx, &NewEvent{ID: "g1", Type: schema.EventTypeGesture, Timestamp: 1, SessionID: "done"})
	store.Store(ctx, &NewEvent{ID: "l1", Type: schema.EventTypeWarmLaunch, Timestamp: 2, SessionID: "waiting"})

	exp := newTestExporter(env, &fakeSender{}, "cur")
	n, err := exp.CleanupUnreported(ctx)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if s, _ := env.sessions.GetByID(ctx, "done"); s != nil {
		t.Fatalf("session without exportable events should be deleted")
	}
	if s, _ := env.sessions.GetByID(ctx, "waiting"); s == nil {
		t.Fatalf("session with pending launch event must wait")
	}
	if s, _ := env.sessions.GetByID(ctx, "cur"); s == nil {
		t.Fatalf("current session must never be cleaned up")
	}
}
