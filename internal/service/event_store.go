package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yuqie6/telepipe/internal/pkg/idgen"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/schema"
)

// DefaultInlineThreshold 载荷超过该字节数时写入 Blob 文件
const DefaultInlineThreshold = 4096

// NewEvent 生产方提交的原始事件
type NewEvent struct {
	ID            string // 为空时自动生成
	Type          schema.EventType
	Timestamp     int64 // Unix 毫秒
	SessionID     string
	UserTriggered bool
	Payload       []byte // 序列化后的事件体（JSON），可为空
	Attributes    schema.Attributes
	Attachments   []NewAttachment
}

// NewAttachment 原始附件：Bytes 待写入 Blob，或 Path 引用已存在的文件
type NewAttachment struct {
	ID        string
	Name      string
	Type      string
	Bytes     []byte
	Path      string
	Timestamp int64
}

type attachmentMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EventStore 决定事件载荷内联或落盘，然后写入关系库
type EventStore struct {
	events          EventRepository
	blobs           BlobStore
	journal         Journal
	inlineThreshold int
	newID           func() string
}

// NewEventStore 创建事件存储；journal 可为 nil
func NewEventStore(events EventRepository, blobs BlobStore, journal Journal, inlineThreshold int) *EventStore {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	return &EventStore{
		events:          events,
		blobs:           blobs,
		journal:         journal,
		inlineThreshold: inlineThreshold,
		newID:           idgen.New,
	}
}

// Store 持久化单个事件。
// Blob 写入失败不会丢弃事件：事件以空载荷写入并记录日志。返回的错误只来自关系库写入。
func (s *EventStore) Store(ctx context.Context, in *NewEvent) (*schema.Event, error) {
	if in == nil {
		return nil, fmt.Errorf("event is nil")
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("未知事件类型: %q", in.Type)
	}
	if in.SessionID == "" {
		return nil, fmt.Errorf("事件缺少 session_id")
	}
	if in.ID == "" {
		in.ID = s.newID()
	}
	if err := s.checkIDs(ctx, in); err != nil {
		return nil, err
	}

	ev := &schema.Event{
		ID:            in.ID,
		Type:          in.Type,
		Timestamp:     in.Timestamp,
		SessionID:     in.SessionID,
		UserTriggered: in.UserTriggered,
		PayloadSize:   int64(len(in.Payload)),
		Attributes:    in.Attributes,
	}

	var written []string
	if len(in.Payload) > 0 {
		if s.shouldOffload(in) {
			path, err := s.blobs.Write(eventBlobID(in.ID), in.Payload)
			if err != nil {
				slog.Error("事件载荷写入文件失败，以空载荷保存", "event_id", in.ID, "type", in.Type, "error", err)
			} else {
				ev.FilePath = &path
				written = append(written, path)
			}
		} else {
			text := string(in.Payload)
			ev.Serialized = &text
		}
	}

	attachments, paths := s.prepareAttachments(ev, in.Attachments)
	written = append(written, paths...)
	if len(attachments) > 0 {
		meta := make([]attachmentMeta, 0, len(attachments))
		for _, a := range attachments {
			meta = append(meta, attachmentMeta{Name: a.Name, Type: a.Type})
		}
		raw, err := json.Marshal(meta)
		if err == nil {
			text := string(raw)
			ev.SerializedAttachments = &text
		}
	}

	if s.journal != nil {
		if err := s.journal.AppendEvent(ev, attachments); err != nil {
			slog.Warn("写入会话日志失败", "event_id", ev.ID, "session_id", ev.SessionID, "error", err)
		}
	}

	if err := s.events.Insert(ctx, ev, attachments); err != nil {
		// 本次新写的文件不再被任何行引用
		s.blobs.Remove(written)
		return nil, err
	}
	return ev, nil
}

// checkIDs 在写任何 Blob 之前查重：已提交事件的文件不能被覆盖，失败清理也不能删到它们
func (s *EventStore) checkIDs(ctx context.Context, in *NewEvent) error {
	existing, err := s.events.ExistingIDs(ctx, []string{in.ID})
	if err != nil {
		return err
	}
	if _, dup := existing[in.ID]; dup {
		return fmt.Errorf("%w: event %s", repository.ErrDuplicateID, in.ID)
	}

	if len(in.Attachments) == 0 {
		return nil
	}
	ids := make([]string, 0, len(in.Attachments))
	seen := make(map[string]struct{}, len(in.Attachments))
	for i := range in.Attachments {
		if in.Attachments[i].ID == "" {
			in.Attachments[i].ID = s.newID()
		}
		id := in.Attachments[i].ID
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: attachment %s", repository.ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	existing, err = s.events.ExistingAttachmentIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, dup := existing[id]; dup {
			return fmt.Errorf("%w: attachment %s", repository.ErrDuplicateID, id)
		}
	}
	return nil
}

// 事件载荷与附件分属不同的文件名前缀，同名 ID 不会落到同一路径
func eventBlobID(id string) string      { return "event_" + id }
func attachmentBlobID(id string) string { return "attachment_" + id }

// shouldOffload 判断载荷是否写入 Blob：超过阈值，或类型本身通常携带大块内容
func (s *EventStore) shouldOffload(in *NewEvent) bool {
	if len(in.Payload) > s.inlineThreshold {
		return true
	}
	switch in.Type {
	case schema.EventTypeException, schema.EventTypeANR:
		return true
	case schema.EventTypeHTTP:
		return hasHTTPBody(in.Payload)
	}
	return false
}

func hasHTTPBody(payload []byte) bool {
	var body struct {
		RequestBody  string `json:"request_body"`
		ResponseBody string `json:"response_body"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.RequestBody != "" || body.ResponseBody != ""
}

// prepareAttachments 写入附件字节并计算总大小；单个附件失败只丢弃该附件
func (s *EventStore) prepareAttachments(ev *schema.Event, in []NewAttachment) ([]schema.Attachment, []string) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]schema.Attachment, 0, len(in))
	var written []string
	var total int64
	for _, a := range in {
		id := a.ID
		ts := a.Timestamp
		if ts == 0 {
			ts = ev.Timestamp
		}
		att := schema.Attachment{
			ID:        id,
			EventID:   ev.ID,
			SessionID: ev.SessionID,
			Type:      a.Type,
			Name:      a.Name,
			Timestamp: ts,
		}

		switch {
		case a.Bytes != nil:
			path, err := s.blobs.Write(attachmentBlobID(id), a.Bytes)
			if err != nil {
				slog.Error("附件写入文件失败，已丢弃", "event_id", ev.ID, "attachment_id", id, "error", err)
				continue
			}
			att.Path = path
			written = append(written, path)
			total += int64(len(a.Bytes))
		case a.Path != "":
			att.Path = a.Path
			if size, ok := s.blobs.Size(a.Path); ok {
				total += size
			} else {
				slog.Warn("附件文件不存在，大小按 0 计", "event_id", ev.ID, "attachment_id", id, "path", a.Path)
			}
		default:
			slog.Warn("附件既无内容也无路径，已忽略", "event_id", ev.ID, "attachment_id", id)
			continue
		}
		out = append(out, att)
	}
	ev.AttachmentsSize = total
	return out, written
}
