// Package sessionlog 维护每个会话一个目录的本地日志：
// session.json 描述会话，event_log 为只追加的 NDJSON（一行一个事件或导出墓碑）。
// 进程在写入中途被杀最多截断最后一行，之前的行不会损坏。
package sessionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuqie6/telepipe/internal/schema"
)

const (
	sessionFileName  = "session.json"
	eventLogFileName = "event_log"

	opEvent    = "event"
	opExported = "exported"

	maxLineBytes = 8 << 20
)

// Descriptor 会话描述文件内容
type Descriptor struct {
	ID             string `json:"id"`
	PID            int    `json:"pid"`
	CreatedAt      int64  `json:"created_at"`
	NeedsReporting bool   `json:"needs_reporting"`
}

// Entry 待恢复的事件（行内保存完整事件行与附件行）
type Entry struct {
	Event       schema.Event        `json:"event"`
	Attachments []schema.Attachment `json:"attachments,omitempty"`
}

type line struct {
	Op          string              `json:"op"`
	Event       *schema.Event       `json:"event,omitempty"`
	Attachments []schema.Attachment `json:"attachments,omitempty"`
	IDs         []string            `json:"ids,omitempty"`
}

// Log 会话日志目录
type Log struct {
	root string
	mu   sync.Mutex
}

// New 创建会话日志，root 下每个子目录对应一个会话
func New(root string) *Log {
	return &Log{root: root}
}

func (l *Log) Root() string {
	return l.root
}

func (l *Log) sessionDir(sessionID string) string {
	return filepath.Join(l.root, sessionID)
}

// InitSession 创建会话目录并写入描述文件
func (l *Log) InitSession(desc Descriptor) error {
	if err := validateID(desc.ID); err != nil {
		return err
	}
	dir := l.sessionDir(desc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建会话目录失败: %w", err)
	}
	b, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("序列化会话描述失败: %w", err)
	}
	tmp := filepath.Join(dir, sessionFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("写入会话描述失败: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, sessionFileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("落盘会话描述失败: %w", err)
	}
	return nil
}

// AppendEvent 追加一条事件行
func (l *Log) AppendEvent(ev *schema.Event, attachments []schema.Attachment) error {
	if ev == nil {
		return fmt.Errorf("event 不能为空")
	}
	return l.append(ev.SessionID, line{Op: opEvent, Event: ev, Attachments: attachments})
}

// AppendExported 追加导出墓碑，恢复时跳过这些事件
func (l *Log) AppendExported(sessionID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return l.append(sessionID, line{Op: opExported, IDs: eventIDs})
}

func (l *Log) append(sessionID string, ln line) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	b, err := json.Marshal(ln)
	if err != nil {
		return fmt.Errorf("序列化日志行失败: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建会话目录失败: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventLogFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer f.Close()

	// 上次写入被截断时先补换行，避免新行与残行粘连
	buf := make([]byte, 0, len(b)+2)
	if needsLeadingNewline(f) {
		buf = append(buf, '\n')
	}
	buf = append(buf, b...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("追加事件日志失败: %w", err)
	}
	return nil
}

func needsLeadingNewline(f *os.File) bool {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false
	}
	return last[0] != '\n'
}

// Pending 返回会话日志中尚未被导出墓碑覆盖的事件，按写入顺序
// 无法解析的行（通常是被截断的最后一行）会被跳过
func (l *Log) Pending(sessionID string) ([]Entry, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(filepath.Join(l.sessionDir(sessionID), eventLogFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer f.Close()

	var entries []Entry
	exported := make(map[string]struct{})
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		raw, err := readLine(reader)
		if len(raw) > 0 {
			lineNo++
			var ln line
			if jsonErr := json.Unmarshal(raw, &ln); jsonErr != nil {
				slog.Warn("跳过损坏的日志行", "session_id", sessionID, "line", lineNo, "error", jsonErr)
			} else {
				switch ln.Op {
				case opEvent:
					if ln.Event != nil {
						entries = append(entries, Entry{Event: *ln.Event, Attachments: ln.Attachments})
					}
				case opExported:
					for _, id := range ln.IDs {
						exported[id] = struct{}{}
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取事件日志失败: %w", err)
		}
	}

	out := entries[:0]
	for _, e := range entries {
		if _, ok := exported[e.Event.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, isPrefix, err := r.ReadLine()
		buf.Write(chunk)
		if buf.Len() > maxLineBytes {
			// 超长行直接丢弃剩余部分
			for isPrefix && err == nil {
				_, isPrefix, err = r.ReadLine()
			}
			return nil, err
		}
		if err != nil || !isPrefix {
			return bytes.TrimSpace(buf.Bytes()), err
		}
	}
}

// ListSessions 读取所有会话描述，按创建时间升序；描述文件缺失或损坏的目录会被跳过
func (l *Log) ListSessions() ([]Descriptor, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取会话目录失败: %w", err)
	}
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(l.root, e.Name(), sessionFileName))
		if err != nil {
			slog.Debug("会话描述缺失", "dir", e.Name(), "error", err)
			continue
		}
		var d Descriptor
		if err := json.Unmarshal(b, &d); err != nil || d.ID == "" {
			slog.Warn("会话描述损坏", "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// DeleteSession 删除会话目录
func (l *Log) DeleteSession(sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.RemoveAll(l.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("删除会话目录失败: %w", err)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id 不能为空")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("非法 session id %q", id)
	}
	return nil
}
