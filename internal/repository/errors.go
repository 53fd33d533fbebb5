package repository

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateID 主键冲突：上游重复提交了同一 ID
	ErrDuplicateID = errors.New("duplicate id")
	// ErrBatchConflict 批次前置条件不满足（事件不存在、已分批或 ID 重复）
	ErrBatchConflict = errors.New("batch conflict")
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func wrapInsertErr(kind, id string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateID, kind, id)
	}
	return fmt.Errorf("写入%s失败 id=%s: %w", kind, id, err)
}

// sqlite 绑定参数上限保守取值
const inChunkSize = 500

func chunkStrings(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func uniqueStrings(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// collectFilePaths 收集将被删除的事件载荷文件与附件文件路径
func collectFilePaths(tx *gorm.DB, column string, ids []string) ([]string, error) {
	var paths []string
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		var eventPaths []string
		if err := tx.Table("events").
			Where(column+" IN ? AND file_path IS NOT NULL AND file_path <> ''", chunk).
			Pluck("file_path", &eventPaths).Error; err != nil {
			return nil, fmt.Errorf("查询事件文件失败: %w", err)
		}
		paths = append(paths, eventPaths...)

		attColumn := "event_id"
		if column == "session_id" {
			attColumn = "session_id"
		}
		var attPaths []string
		if err := tx.Table("attachments").
			Where(attColumn+" IN ? AND path <> ''", chunk).
			Pluck("path", &attPaths).Error; err != nil {
			return nil, fmt.Errorf("查询附件文件失败: %w", err)
		}
		paths = append(paths, attPaths...)
	}
	return paths, nil
}

// deleteOrphanBatches 删除已经没有成员事件的批次记录
func deleteOrphanBatches(tx *gorm.DB) error {
	return tx.Exec("DELETE FROM batches WHERE id NOT IN (SELECT DISTINCT batch_id FROM events WHERE batch_id IS NOT NULL)").Error
}
