package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuqie6/telepipe/internal/schema"
	"gorm.io/gorm"
)

// SessionRepository 会话仓储
type SessionRepository struct {
	db *Database
}

// NewSessionRepository 创建会话仓储
func NewSessionRepository(db *Database) *SessionRepository {
	return &SessionRepository{db: db}
}

// Insert 写入新会话，ID 已存在时返回 ErrDuplicateID
func (r *SessionRepository) Insert(ctx context.Context, id string, pid int, createdAtMs int64, needsReporting bool) error {
	if id == "" {
		return fmt.Errorf("session id 不能为空")
	}
	session := &schema.Session{
		ID:             id,
		PID:            pid,
		CreatedAtMs:    createdAtMs,
		NeedsReporting: needsReporting,
	}
	return r.db.write(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return wrapInsertErr("session", id, err)
		}
		return nil
	})
}

// MarkCrashed 标记会话崩溃，崩溃会话一定需要上报
func (r *SessionRepository) MarkCrashed(ctx context.Context, id string) error {
	return r.MarkCrashedMany(ctx, []string{id})
}

// MarkCrashedMany 批量标记崩溃，不存在的 ID 忽略
func (r *SessionRepository) MarkCrashedMany(ctx context.Context, ids []string) error {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	return r.db.write(ctx, func(tx *gorm.DB) error {
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			if err := tx.Model(&schema.Session{}).
				Where("id IN ?", chunk).
				Updates(map[string]any{"crashed": true, "needs_reporting": true}).Error; err != nil {
				return fmt.Errorf("标记会话崩溃失败: %w", err)
			}
		}
		return nil
	})
}

// GetSessionsWithUntrackedAppExit 返回尚未关联退出信息的会话，按 pid 分组，组内按创建时间升序
func (r *SessionRepository) GetSessionsWithUntrackedAppExit(ctx context.Context) (map[int][]string, error) {
	var rows []struct {
		ID  string `gorm:"column:id"`
		PID int    `gorm:"column:pid"`
	}
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Model(&schema.Session{}).
			Select("id, pid").
			Where("app_exit_tracked = ?", false).
			Order("created_at_ms ASC, rowid ASC").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("查询未关联退出信息的会话失败: %w", err)
	}

	out := make(map[int][]string)
	for _, row := range rows {
		out[row.PID] = append(out[row.PID], row.ID)
	}
	return out, nil
}

// UpdateAppExitTracked 将某个进程的会话标记为已关联退出信息，exclude 中的会话保持不变
// （pid 被复用时，当前进程的会话不能被上一个进程的退出记录标记）
func (r *SessionRepository) UpdateAppExitTracked(ctx context.Context, pid int, exclude ...string) error {
	exclude = uniqueStrings(exclude)
	return r.db.write(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&schema.Session{}).Where("pid = ?", pid)
		if len(exclude) > 0 {
			q = q.Where("id NOT IN ?", exclude)
		}
		if err := q.Update("app_exit_tracked", true).Error; err != nil {
			return fmt.Errorf("更新 app_exit_tracked 失败 pid=%d: %w", pid, err)
		}
		return nil
	})
}

// GetOldest 返回最早创建的会话 ID，库为空时返回空串
func (r *SessionRepository) GetOldest(ctx context.Context) (string, error) {
	return r.getOldestExcept(ctx, nil)
}

// GetOldestExcept 返回最早创建且不在 exclude 中的会话 ID
func (r *SessionRepository) GetOldestExcept(ctx context.Context, exclude ...string) (string, error) {
	return r.getOldestExcept(ctx, exclude)
}

func (r *SessionRepository) getOldestExcept(ctx context.Context, exclude []string) (string, error) {
	var ids []string
	err := r.db.read(ctx, func(db *gorm.DB) error {
		q := db.Model(&schema.Session{})
		if ex := uniqueStrings(exclude); len(ex) > 0 {
			q = q.Where("id NOT IN ?", ex)
		}
		return q.Order("created_at_ms ASC, rowid ASC").Limit(1).Pluck("id", &ids).Error
	})
	if err != nil {
		return "", fmt.Errorf("查询最早会话失败: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// GetSessionIDs 按 needs_reporting 过滤会话 ID，结果按创建时间升序；maxCount<=0 表示不限
func (r *SessionRepository) GetSessionIDs(ctx context.Context, needsReporting bool, exclude []string, maxCount int) ([]string, error) {
	var ids []string
	err := r.db.read(ctx, func(db *gorm.DB) error {
		q := db.Model(&schema.Session{}).Where("needs_reporting = ?", needsReporting)
		if ex := uniqueStrings(exclude); len(ex) > 0 {
			q = q.Where("id NOT IN ?", ex)
		}
		q = q.Order("created_at_ms ASC, rowid ASC")
		if maxCount > 0 {
			q = q.Limit(maxCount)
		}
		return q.Pluck("id", &ids).Error
	})
	if err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	return ids, nil
}

// GetByID 根据 ID 获取会话，不存在返回 nil
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*schema.Session, error) {
	var session schema.Session
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", id).First(&session).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return &session, nil
}

// SessionSummary 会话及其事件数（CLI 展示用）
type SessionSummary struct {
	schema.Session
	EventCount int64 `gorm:"column:event_count" json:"event_count"`
}

// List 按创建时间倒序列出最近的会话
func (r *SessionRepository) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []SessionSummary
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Table("sessions").
			Select("sessions.*, (SELECT COUNT(*) FROM events WHERE events.session_id = sessions.id) AS event_count").
			Order("sessions.created_at_ms DESC, sessions.rowid DESC").
			Limit(limit).
			Scan(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("列出会话失败: %w", err)
	}
	return out, nil
}

// Count 会话总数
func (r *SessionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Model(&schema.Session{}).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("统计会话失败: %w", err)
	}
	return count, nil
}

// DeleteSessions 删除会话及其事件、附件，返回需要由调用方清理的文件路径。
// 失败时记录日志并返回空列表，库内数据保持不变。
func (r *SessionRepository) DeleteSessions(ctx context.Context, ids []string) []string {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	var paths []string
	err := r.db.write(ctx, func(tx *gorm.DB) error {
		collected, err := collectFilePaths(tx, "session_id", ids)
		if err != nil {
			return err
		}
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			if err := tx.Where("session_id IN ?", chunk).Delete(&schema.Attachment{}).Error; err != nil {
				return fmt.Errorf("删除附件失败: %w", err)
			}
			if err := tx.Where("session_id IN ?", chunk).Delete(&schema.Event{}).Error; err != nil {
				return fmt.Errorf("删除事件失败: %w", err)
			}
			if err := tx.Where("id IN ?", chunk).Delete(&schema.Session{}).Error; err != nil {
				return fmt.Errorf("删除会话失败: %w", err)
			}
		}
		if err := deleteOrphanBatches(tx); err != nil {
			return fmt.Errorf("清理空批次失败: %w", err)
		}
		paths = collected
		return nil
	})
	if err != nil {
		slog.Error("删除会话失败", "count", len(ids), "error", err)
		return nil
	}
	return paths
}
