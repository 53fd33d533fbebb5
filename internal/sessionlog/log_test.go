package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yuqie6/telepipe/internal/schema"
)

func strPtr(s string) *string { return &s }

func TestLogAppendAndPending(t *testing.T) {
	l := New(t.TempDir())
	if err := l.InitSession(Descriptor{ID: "s1", PID: 42, CreatedAt: 100, NeedsReporting: true}); err != nil {
		t.Fatalf("InitSession: %v", err)
	}

	e1 := &schema.Event{ID: "e1", Type: schema.EventTypeCustom, SessionID: "s1", Timestamp: 1, Serialized: strPtr(`{"a":1}`)}
	e2 := &schema.Event{ID: "e2", Type: schema.EventTypeGesture, SessionID: "s1", Timestamp: 2}
	att := []schema.Attachment{{ID: "a1", EventID: "e2", SessionID: "s1", Name: "shot.png", Type: "screenshot", Path: "/p"}}
	if err := l.AppendEvent(e1, nil); err != nil {
		t.Fatalf("AppendEvent e1: %v", err)
	}
	if err := l.AppendEvent(e2, att); err != nil {
		t.Fatalf("AppendEvent e2: %v", err)
	}

	pending, err := l.Pending("s1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Event.ID != "e1" || pending[1].Event.ID != "e2" {
		t.Fatalf("pending=%v", pending)
	}
	if len(pending[1].Attachments) != 1 || pending[1].Attachments[0].ID != "a1" {
		t.Fatalf("attachments=%v", pending[1].Attachments)
	}

	if err := l.AppendExported("s1", []string{"e1"}); err != nil {
		t.Fatalf("AppendExported: %v", err)
	}
	pending, _ = l.Pending("s1")
	if len(pending) != 1 || pending[0].Event.ID != "e2" {
		t.Fatalf("pending after tombstone=%v", pending)
	}
}

func TestLogToleratesTruncatedLastLine(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	_ = l.InitSession(Descriptor{ID: "s1", CreatedAt: 1})
	_ = l.AppendEvent(&schema.Event{ID: "e1", SessionID: "s1", Type: schema.EventTypeCustom}, nil)

	// 模拟进程在写入第二行时被杀
	f, err := os.OpenFile(filepath.Join(root, "s1", eventLogFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString(`{"op":"event","event":{"id":"e2","ses`)
	_ = f.Close()

	pending, err := l.Pending("s1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Event.ID != "e1" {
		t.Fatalf("pending=%v", pending)
	}

	// 截断后继续追加不应与残行粘连
	if err := l.AppendEvent(&schema.Event{ID: "e3", SessionID: "s1", Type: schema.EventTypeCustom}, nil); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	pending, _ = l.Pending("s1")
	if len(pending) != 2 || pending[1].Event.ID != "e3" {
		t.Fatalf("pending after append=%v", pending)
	}
}

func TestLogListAndDeleteSessions(t *testing.T) {
	l := New(t.TempDir())
	_ = l.InitSession(Descriptor{ID: "late", CreatedAt: 300})
	_ = l.InitSession(Descriptor{ID: "early", CreatedAt: 100})

	list, err := l.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "early" {
		t.Fatalf("list=%v", list)
	}

	if err := l.DeleteSession("early"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	list, _ = l.ListSessions()
	if len(list) != 1 || list[0].ID != "late" {
		t.Fatalf("list after delete=%v", list)
	}
	if _, err := l.Pending("../escape"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestLogListMissingRoot(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"))
	list, err := l.ListSessions()
	if err != nil || len(list) != 0 {
		t.Fatalf("list=%v err=%v", list, err)
	}
}
