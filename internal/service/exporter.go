package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/schema"
)

// ExporterConfig 导出配置
type ExporterConfig struct {
	Timeout            time.Duration
	MaxBatchEvents     int
	MaxBatchBytes      int64
	MaxBatchesPerCycle int
	AllowTypes         []schema.EventType
}

// DefaultExporterConfig 默认配置
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Timeout:            30 * time.Second,
		MaxBatchEvents:     500,
		MaxBatchBytes:      3 << 20,
		MaxBatchesPerCycle: 5,
		AllowTypes:         schema.DefaultAlwaysExportTypes(),
	}
}

// CycleResult 一轮导出的结果
type CycleResult struct {
	Skipped  bool // 已有导出在进行
	Batches  int
	Exported int
	Dropped  int
}

// ErrBatchDropped 采集端永久拒绝，批次已在本地删除
var ErrBatchDropped = errors.New("batch dropped")

// Exporter 将批次转为传输包发送，确认后删除本地数据
type Exporter struct {
	events   EventRepository
	sessions SessionRepository
	batches  BatchRepository
	blobs    BlobStore
	journal  Journal
	batcher  *Batcher
	sender   Sender
	hub      *eventbus.Hub
	current  func() string
	cfg      ExporterConfig
	now      func() time.Time

	// 同一时刻只允许一轮分批/导出
	cycleMu sync.Mutex

	exported atomic.Int64
	dropped  atomic.Int64
}

// NewExporter 创建导出器；journal、hub、current 可为 nil
func NewExporter(
	events EventRepository,
	sessions SessionRepository,
	batches BatchRepository,
	blobs BlobStore,
	journal Journal,
	sender Sender,
	hub *eventbus.Hub,
	current func() string,
	cfg ExporterConfig,
) *Exporter {
	def := DefaultExporterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = def.MaxBatchEvents
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.MaxBatchesPerCycle <= 0 {
		cfg.MaxBatchesPerCycle = def.MaxBatchesPerCycle
	}
	if current == nil {
		current = func() string { return "" }
	}
	return &Exporter{
		events:   events,
		sessions: sessions,
		batches:  batches,
		blobs:    blobs,
		journal:  journal,
		batcher:  NewBatcher(events, batches, cfg.AllowTypes),
		sender:   sender,
		hub:      hub,
		current:  current,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Batcher 返回内部使用的批次规划器
func (e *Exporter) Batcher() *Batcher {
	return e.batcher
}

// Totals 累计导出/丢弃的事件数
func (e *Exporter) Totals() (exported, dropped int64) {
	return e.exported.Load(), e.dropped.Load()
}

// ExportCycle 先重试已有批次，再创建新批次并导出。
// 遇到可重试失败立即结束本轮并返回错误，由调用方退避。
func (e *Exporter) ExportCycle(ctx context.Context) (CycleResult, error) {
	if !e.cycleMu.TryLock() {
		return CycleResult{Skipped: true}, nil
	}
	defer e.cycleMu.Unlock()

	var res CycleResult
	pending, err := e.batches.GetBatches(ctx, e.cfg.MaxBatchesPerCycle)
	if err != nil {
		return res, err
	}
	for _, b := range pending {
		if err := e.exportAndCount(ctx, b, &res); err != nil {
			return res, err
		}
	}

	for res.Batches < e.cfg.MaxBatchesPerCycle {
		created, err := e.batcher.CreateNextBatch(ctx, e.cfg.MaxBatchEvents, e.cfg.MaxBatchBytes)
		if err != nil {
			return res, err
		}
		if created == nil {
			break
		}
		group := repository.BatchGroup{BatchID: created.BatchID, EventIDs: created.EventIDs}
		if err := e.exportAndCount(ctx, group, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ExportPreviousSessions 冷启动时优先把之前会话的事件按会话分批导出
func (e *Exporter) ExportPreviousSessions(ctx context.Context) (CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var res CycleResult
	ids, err := e.sessions.GetSessionIDs(ctx, true, []string{e.current()}, 0)
	if err != nil {
		return res, err
	}
	for _, sid := range ids {
		for {
			created, err := e.batcher.CreateSessionBatch(ctx, sid, e.cfg.MaxBatchEvents, e.cfg.MaxBatchBytes)
			if err != nil {
				return res, err
			}
			if created == nil {
				break
			}
			group := repository.BatchGroup{BatchID: created.BatchID, EventIDs: created.EventIDs}
			if err := e.exportAndCount(ctx, group, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (e *Exporter) exportAndCount(ctx context.Context, b repository.BatchGroup, res *CycleResult) error {
	err := e.Export(ctx, b)
	res.Batches++
	switch {
	case err == nil:
		res.Exported += len(b.EventIDs)
		return nil
	case errors.Is(err, ErrBatchDropped):
		res.Dropped += len(b.EventIDs)
		return nil
	default:
		return err
	}
}

// Export 发送一个批次。成功或被永久拒绝时删除全部成员事件；可重试失败时保留批次标记。
func (e *Exporter) Export(ctx context.Context, b repository.BatchGroup) error {
	events, err := e.events.GetByIDs(ctx, b.EventIDs)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	atts, err := e.events.GetAttachmentsForEvents(ctx, ids)
	if err != nil {
		return err
	}

	packets := make([]dto.EventPacket, 0, len(events))
	for i := range events {
		packets = append(packets, e.toPacket(&events[i]))
	}
	attPackets := make([]dto.AttachmentPacket, 0, len(atts))
	for _, a := range atts {
		attPackets = append(attPackets, dto.AttachmentPacket{ID: a.ID, EventID: a.EventID, Name: a.Name, Type: a.Type, Path: a.Path})
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	sendErr := e.sender.Send(sendCtx, b.BatchID, packets, attPackets)
	cancel()

	if sendErr != nil && !isPermanent(sendErr) {
		slog.Warn("批次导出失败，稍后重试", "batch_id", b.BatchID, "count", len(ids), "error", sendErr)
		e.hub.Publish(eventbus.Event{Type: eventbus.TopicExportFailed, Data: map[string]any{"batch_id": b.BatchID, "error": sendErr.Error()}})
		return fmt.Errorf("导出批次 %s 失败: %w", b.BatchID, sendErr)
	}

	e.finalize(ctx, events)
	if sendErr != nil {
		e.dropped.Add(int64(len(ids)))
		slog.Error("批次被采集端拒绝，已丢弃", "batch_id", b.BatchID, "count", len(ids), "error", sendErr)
		return fmt.Errorf("%w: %s: %v", ErrBatchDropped, b.BatchID, sendErr)
	}

	e.exported.Add(int64(len(ids)))
	slog.Info("批次导出成功", "batch_id", b.BatchID, "events", len(ids), "attachments", len(attPackets))
	e.hub.Publish(eventbus.Event{Type: eventbus.TopicBatchExported, Data: map[string]any{"batch_id": b.BatchID, "count": len(ids)}})
	return nil
}

func (e *Exporter) toPacket(ev *schema.Event) dto.EventPacket {
	p := dto.EventPacket{
		EventID:       ev.ID,
		SessionID:     ev.SessionID,
		Timestamp:     time.UnixMilli(ev.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		TimestampMs:   ev.Timestamp,
		Type:          string(ev.Type),
		UserTriggered: ev.UserTriggered,
	}
	switch {
	case ev.Serialized != nil:
		p.Data = *ev.Serialized
	case ev.FilePath != nil:
		if raw, ok := e.blobs.Read(*ev.FilePath); ok {
			p.Data = string(raw)
		} else {
			slog.Warn("事件载荷文件缺失", "event_id", ev.ID, "path", *ev.FilePath)
		}
	}
	if len(ev.Attributes) > 0 {
		if raw, err := json.Marshal(ev.Attributes); err == nil {
			p.Attributes = string(raw)
		}
	}
	if ev.SerializedAttachments != nil {
		p.Attachments = *ev.SerializedAttachments
	}
	return p
}

// finalize 先写日志墓碑再删库，进程在两步之间被杀也不会在恢复时重放已导出的事件
func (e *Exporter) finalize(ctx context.Context, events []schema.Event) {
	bySession := make(map[string][]string)
	var order []string
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := bySession[ev.SessionID]; !ok {
			order = append(order, ev.SessionID)
		}
		bySession[ev.SessionID] = append(bySession[ev.SessionID], ev.ID)
		ids = append(ids, ev.ID)
	}

	if e.journal != nil {
		for _, sid := range order {
			if err := e.journal.AppendExported(sid, bySession[sid]); err != nil {
				slog.Warn("写入导出墓碑失败", "session_id", sid, "error", err)
			}
		}
	}

	paths := e.events.DeleteEvents(ctx, ids)
	e.blobs.Remove(paths)
	e.retireSessions(ctx, order)
}

// retireSessions 删除已无待导出事件的非当前会话
func (e *Exporter) retireSessions(ctx context.Context, sessionIDs []string) int {
	current := e.current()
	var done []string
	for _, sid := range sessionIDs {
		if sid == current {
			continue
		}
		s, err := e.sessions.GetByID(ctx, sid)
		if err != nil || s == nil {
			continue
		}
		var remaining int64
		if s.NeedsReporting {
			remaining, err = e.events.CountForSession(ctx, sid)
		} else {
			// 不上报的会话只需等白名单事件导出完毕
			remaining, err = e.events.CountForSession(ctx, sid, e.cfg.AllowTypes...)
		}
		if err != nil {
			slog.Warn("统计会话剩余事件失败", "session_id", sid, "error", err)
			continue
		}
		if remaining == 0 {
			done = append(done, sid)
		}
	}
	if len(done) == 0 {
		return 0
	}
	e.blobs.Remove(e.sessions.DeleteSessions(ctx, done))
	if e.journal != nil {
		for _, sid := range done {
			if err := e.journal.DeleteSession(sid); err != nil {
				slog.Warn("删除会话日志失败", "session_id", sid, "error", err)
			}
		}
	}
	slog.Debug("会话已关闭", "count", len(done))
	return len(done)
}

// CleanupUnreported 删除不需要上报、且白名单事件已全部导出的历史会话
func (e *Exporter) CleanupUnreported(ctx context.Context) (int, error) {
	ids, err := e.sessions.GetSessionIDs(ctx, false, []string{e.current()}, 0)
	if err != nil {
		return 0, err
	}
	return e.retireSessions(ctx, ids), nil
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) && p.Permanent()
}
