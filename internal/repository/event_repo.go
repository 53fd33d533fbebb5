package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yuqie6/telepipe/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRepository 事件仓储
type EventRepository struct {
	db *Database
}

// NewEventRepository 创建事件仓储
func NewEventRepository(db *Database) *EventRepository {
	return &EventRepository{db: db}
}

// Insert 在单个事务中写入事件及其附件。
// 事件或任一附件 ID 冲突时整体回滚并返回 ErrDuplicateID。
func (r *EventRepository) Insert(ctx context.Context, event *schema.Event, attachments []schema.Attachment) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	start := time.Now()
	err := r.db.write(ctx, func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(event).Error; err != nil {
			return wrapInsertErr("event", event.ID, err)
		}
		for i := range attachments {
			att := attachments[i]
			att.EventID = event.ID
			att.SessionID = event.SessionID
			if err := tx.Omit(clause.Associations).Create(&att).Error; err != nil {
				return wrapInsertErr("attachment", att.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Debug("事件写入成功", "id", event.ID, "type", event.Type, "attachments", len(attachments), "duration", time.Since(start))
	return nil
}

// UnbatchedQuery 未分批事件查询条件
type UnbatchedQuery struct {
	MaxCount   int                // <=0 表示不限
	SessionID  string             // 为空表示所有会话
	AllowTypes []schema.EventType // 所属会话不需要上报时仍可导出的类型
	Descending bool
}

// UnbatchedEvent 批次规划所需的事件摘要
type UnbatchedEvent struct {
	ID              string           `gorm:"column:id"`
	SessionID       string           `gorm:"column:session_id"`
	Type            schema.EventType `gorm:"column:type"`
	Timestamp       int64            `gorm:"column:timestamp"`
	PayloadSize     int64            `gorm:"column:payload_size"`
	AttachmentsSize int64            `gorm:"column:attachments_size"`
}

// GetUnbatched 查询可导出且尚未分批的事件：所属会话需要上报，或事件类型在 AllowTypes 中
func (r *EventRepository) GetUnbatched(ctx context.Context, q UnbatchedQuery) ([]UnbatchedEvent, error) {
	var rows []UnbatchedEvent
	err := r.db.read(ctx, func(db *gorm.DB) error {
		query := db.Table("events").
			Select("events.id, events.session_id, events.type, events.timestamp, events.payload_size, events.attachments_size").
			Joins("JOIN sessions ON sessions.id = events.session_id").
			Where("events.batch_id IS NULL")

		if allow := eventTypeStrings(q.AllowTypes); len(allow) > 0 {
			query = query.Where("(sessions.needs_reporting = ? OR events.type IN ?)", true, allow)
		} else {
			query = query.Where("sessions.needs_reporting = ?", true)
		}
		if q.SessionID != "" {
			query = query.Where("events.session_id = ?", q.SessionID)
		}

		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		query = query.Order("events.timestamp " + dir + ", events.rowid " + dir)
		if q.MaxCount > 0 {
			query = query.Limit(q.MaxCount)
		}
		return query.Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("查询未分批事件失败: %w", err)
	}
	return rows, nil
}

func eventTypeStrings(types []schema.EventType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

// GetByIDs 批量读取事件，结果按时间升序；不存在的 ID 忽略
func (r *EventRepository) GetByIDs(ctx context.Context, ids []string) ([]schema.Event, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var events []schema.Event
	err := r.db.read(ctx, func(db *gorm.DB) error {
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			var part []schema.Event
			if err := db.Where("id IN ?", chunk).Order("timestamp ASC, rowid ASC").Find(&part).Error; err != nil {
				return err
			}
			events = append(events, part...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	sortEventsByTimestamp(events)
	return events, nil
}

// GetAttachmentsForEvents 读取一组事件的附件
func (r *EventRepository) GetAttachmentsForEvents(ctx context.Context, eventIDs []string) ([]schema.Attachment, error) {
	eventIDs = uniqueStrings(eventIDs)
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var out []schema.Attachment
	err := r.db.read(ctx, func(db *gorm.DB) error {
		for _, chunk := range chunkStrings(eventIDs, inChunkSize) {
			var part []schema.Attachment
			if err := db.Where("event_id IN ?", chunk).Order("timestamp ASC, rowid ASC").Find(&part).Error; err != nil {
				return err
			}
			out = append(out, part...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询附件失败: %w", err)
	}
	return out, nil
}

// GetEventIDsForSessions 返回一组会话下全部事件 ID
func (r *EventRepository) GetEventIDsForSessions(ctx context.Context, sessionIDs []string) ([]string, error) {
	sessionIDs = uniqueStrings(sessionIDs)
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.read(ctx, func(db *gorm.DB) error {
		for _, chunk := range chunkStrings(sessionIDs, inChunkSize) {
			var part []string
			if err := db.Model(&schema.Event{}).Where("session_id IN ?", chunk).Order("timestamp ASC, rowid ASC").Pluck("id", &part).Error; err != nil {
				return err
			}
			ids = append(ids, part...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询会话事件失败: %w", err)
	}
	return ids, nil
}

// ExistingIDs 返回 ids 中已存在于库内的事件 ID
func (r *EventRepository) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := r.db.read(ctx, func(db *gorm.DB) error {
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			var part []string
			if err := db.Model(&schema.Event{}).Where("id IN ?", chunk).Pluck("id", &part).Error; err != nil {
				return err
			}
			for _, id := range part {
				out[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询事件是否存在失败: %w", err)
	}
	return out, nil
}

// ExistingAttachmentIDs 返回 ids 中已存在于库内的附件 ID
func (r *EventRepository) ExistingAttachmentIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := r.db.read(ctx, func(db *gorm.DB) error {
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			var part []string
			if err := db.Model(&schema.Attachment{}).Where("id IN ?", chunk).Pluck("id", &part).Error; err != nil {
				return err
			}
			for _, id := range part {
				out[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询附件是否存在失败: %w", err)
	}
	return out, nil
}

// Count 事件总数
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Model(&schema.Event{}).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("统计事件失败: %w", err)
	}
	return count, nil
}

// CountForSession 统计会话内事件数，可按类型过滤
func (r *EventRepository) CountForSession(ctx context.Context, sessionID string, types ...schema.EventType) (int64, error) {
	var count int64
	err := r.db.read(ctx, func(db *gorm.DB) error {
		q := db.Model(&schema.Event{}).Where("session_id = ?", sessionID)
		if ts := eventTypeStrings(types); len(ts) > 0 {
			q = q.Where("type IN ?", ts)
		}
		return q.Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("统计会话事件失败: %w", err)
	}
	return count, nil
}

// DeleteEvents 删除事件及其附件，返回需要由调用方清理的文件路径。
// 失败时记录日志并返回空列表。
func (r *EventRepository) DeleteEvents(ctx context.Context, ids []string) []string {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	var paths []string
	err := r.db.write(ctx, func(tx *gorm.DB) error {
		collected, err := collectFilePaths(tx, "id", ids)
		if err != nil {
			return err
		}
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			if err := tx.Where("event_id IN ?", chunk).Delete(&schema.Attachment{}).Error; err != nil {
				return fmt.Errorf("删除附件失败: %w", err)
			}
			if err := tx.Where("id IN ?", chunk).Delete(&schema.Event{}).Error; err != nil {
				return fmt.Errorf("删除事件失败: %w", err)
			}
		}
		if err := deleteOrphanBatches(tx); err != nil {
			return fmt.Errorf("清理空批次失败: %w", err)
		}
		paths = collected
		return nil
	})
	if err != nil {
		slog.Error("删除事件失败", "count", len(ids), "error", err)
		return nil
	}
	return paths
}

// 分块查询后需要重新排序
func sortEventsByTimestamp(events []schema.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
}
