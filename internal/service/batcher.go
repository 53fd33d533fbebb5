package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuqie6/telepipe/internal/pkg/idgen"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/schema"
)

// BatchResult 新建批次
type BatchResult struct {
	BatchID   string
	EventIDs  []string
	SizeBytes int64
}

// Batcher 选取未分批事件并原子地分配批次 ID
type Batcher struct {
	events     EventRepository
	batches    BatchRepository
	allowTypes []schema.EventType
	now        func() time.Time
	newID      func() string
}

// NewBatcher 创建批次规划器
func NewBatcher(events EventRepository, batches BatchRepository, allowTypes []schema.EventType) *Batcher {
	return &Batcher{
		events:     events,
		batches:    batches,
		allowTypes: allowTypes,
		now:        time.Now,
		newID:      idgen.New,
	}
}

// CreateNextBatch 跨会话取最早的事件组成批次；没有可分批事件时返回 nil
func (b *Batcher) CreateNextBatch(ctx context.Context, maxEvents int, maxBytes int64) (*BatchResult, error) {
	return b.create(ctx, repository.UnbatchedQuery{MaxCount: maxEvents, AllowTypes: b.allowTypes}, maxBytes)
}

// CreateSessionBatch 只从指定会话取事件
func (b *Batcher) CreateSessionBatch(ctx context.Context, sessionID string, maxEvents int, maxBytes int64) (*BatchResult, error) {
	return b.create(ctx, repository.UnbatchedQuery{MaxCount: maxEvents, SessionID: sessionID, AllowTypes: b.allowTypes}, maxBytes)
}

func (b *Batcher) create(ctx context.Context, q repository.UnbatchedQuery, maxBytes int64) (*BatchResult, error) {
	rows, err := b.events.GetUnbatched(ctx, q)
	if err != nil {
		return nil, err
	}
	ids, size := selectWithinBudget(rows, maxBytes)
	if len(ids) == 0 {
		return nil, nil
	}

	batchID := b.newID()
	if err := b.batches.Insert(ctx, ids, batchID, b.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("创建批次失败: %w", err)
	}
	slog.Debug("批次已创建", "batch_id", batchID, "count", len(ids), "bytes", size)
	return &BatchResult{BatchID: batchID, EventIDs: ids, SizeBytes: size}, nil
}

// selectWithinBudget 按顺序累加事件大小，超出 maxBytes 即停止。
// 首个事件总是被选中，否则单个超大事件会永远卡住队头。
func selectWithinBudget(rows []repository.UnbatchedEvent, maxBytes int64) ([]string, int64) {
	ids := make([]string, 0, len(rows))
	var total int64
	for _, row := range rows {
		size := row.PayloadSize + row.AttachmentsSize
		if maxBytes > 0 && len(ids) > 0 && total+size > maxBytes {
			break
		}
		ids = append(ids, row.ID)
		total += size
	}
	return ids, total
}
