package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/yuqie6/telepipe/internal/schema"
	"gorm.io/gorm"
)

// BatchRepository 导出批次仓储
type BatchRepository struct {
	db *Database
}

// NewBatchRepository 创建批次仓储
func NewBatchRepository(db *Database) *BatchRepository {
	return &BatchRepository{db: db}
}

// Insert 创建批次并为全部成员事件打上 batch_id。
// 任一事件不存在、已属于其他批次或 ID 重复时整体回滚，返回 ErrBatchConflict。
func (r *BatchRepository) Insert(ctx context.Context, eventIDs []string, batchID string, createdAtMs int64) error {
	if batchID == "" {
		return fmt.Errorf("batch id 不能为空")
	}
	if len(eventIDs) == 0 {
		return fmt.Errorf("%w: 批次 %s 没有事件", ErrBatchConflict, batchID)
	}
	ids := uniqueStrings(eventIDs)
	if len(ids) != len(eventIDs) {
		return fmt.Errorf("%w: 批次 %s 含重复或空事件 ID", ErrBatchConflict, batchID)
	}

	return r.db.write(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&schema.Batch{ID: batchID, CreatedAtMs: createdAtMs}).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: batch %s 已存在", ErrBatchConflict, batchID)
			}
			return fmt.Errorf("创建批次失败: %w", err)
		}

		var affected int64
		for _, chunk := range chunkStrings(ids, inChunkSize) {
			res := tx.Model(&schema.Event{}).
				Where("id IN ? AND batch_id IS NULL", chunk).
				Update("batch_id", batchID)
			if res.Error != nil {
				return fmt.Errorf("标记批次事件失败: %w", res.Error)
			}
			affected += res.RowsAffected
		}
		if affected != int64(len(ids)) {
			return fmt.Errorf("%w: 批次 %s 期望 %d 个事件，实际可分配 %d", ErrBatchConflict, batchID, len(ids), affected)
		}
		return nil
	})
}

// BatchGroup 一个待导出批次
type BatchGroup struct {
	BatchID     string
	CreatedAtMs int64
	EventIDs    []string
}

// GetBatches 返回最早创建的若干个待导出批次，maxBatches<=0 表示不限
func (r *BatchRepository) GetBatches(ctx context.Context, maxBatches int) ([]BatchGroup, error) {
	var groups []BatchGroup
	err := r.db.read(ctx, func(db *gorm.DB) error {
		var batches []schema.Batch
		q := db.Order("created_at_ms ASC, rowid ASC")
		if maxBatches > 0 {
			q = q.Limit(maxBatches)
		}
		if err := q.Find(&batches).Error; err != nil {
			return err
		}
		if len(batches) == 0 {
			return nil
		}

		batchIDs := make([]string, 0, len(batches))
		for _, b := range batches {
			batchIDs = append(batchIDs, b.ID)
		}
		var members []struct {
			ID      string `gorm:"column:id"`
			BatchID string `gorm:"column:batch_id"`
		}
		if err := db.Table("events").
			Select("id, batch_id").
			Where("batch_id IN ?", batchIDs).
			Order("timestamp ASC, rowid ASC").
			Scan(&members).Error; err != nil {
			return err
		}

		byBatch := make(map[string][]string, len(batches))
		for _, m := range members {
			byBatch[m.BatchID] = append(byBatch[m.BatchID], m.ID)
		}
		for _, b := range batches {
			ids := byBatch[b.ID]
			if len(ids) == 0 {
				continue
			}
			groups = append(groups, BatchGroup{BatchID: b.ID, CreatedAtMs: b.CreatedAtMs, EventIDs: ids})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].CreatedAtMs < groups[j].CreatedAtMs })
	return groups, nil
}

// CountPending 待导出批次数
func (r *BatchRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.read(ctx, func(db *gorm.DB) error {
		return db.Model(&schema.Batch{}).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("统计批次失败: %w", err)
	}
	return count, nil
}
