package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/schema"
)

// SubmitRequest 生产方提交的事件
type SubmitRequest struct {
	Type          schema.EventType
	Timestamp     int64  // Unix 毫秒，0 表示当前时间
	SessionID     string // 为空表示当前会话
	UserTriggered bool
	Payload       []byte
	Attributes    schema.Attributes
	Attachments   []NewAttachment
	// Unhandled 未捕获异常，所属会话会被标记为崩溃
	Unhandled bool
}

// PipelineConfig 管道配置
type PipelineConfig struct {
	QueueSize      int
	ExportInterval time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ExportEvery 每写入这么多事件主动触发一次导出，0 表示只按周期导出
	ExportEvery int64
	// GuardEvery 每写入这么多事件检查一次存储压力
	GuardEvery int64
}

// DefaultPipelineConfig 默认配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize:      1024,
		ExportInterval: 30 * time.Second,
		BackoffInitial: 30 * time.Second,
		BackoffMax:     time.Hour,
		ExportEvery:    500,
		GuardEvery:     100,
	}
}

type task func(ctx context.Context)

// Pipeline 生产方入口：非阻塞地把事件交给唯一的后台写入协程，并调度导出
type Pipeline struct {
	sessions   *SessionManager
	store      *EventStore
	exporter   *Exporter // 未配置采集端时为 nil
	guard      *StorageGuard
	reconciler *AppExitReconciler
	recovery   *Recovery
	hub        *eventbus.Hub
	cfg        PipelineConfig
	now        func() time.Time

	queueMu sync.RWMutex
	queue   chan task
	closed  bool

	// 控制任务（会话持久化、崩溃标记）不进有界队列，写入协程在每个普通任务前先执行完
	controlMu     sync.Mutex
	control       []task
	controlSignal chan struct{}
	guardPending  atomic.Bool

	running    atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	writerDone chan struct{}
	trigger    chan bool // true 表示忽略退避立即导出

	submitted   atomic.Int64
	stored      atomic.Int64
	dropped     atomic.Int64
	storeErrors atomic.Int64

	exportMu      sync.Mutex
	lastAttemptAt time.Time
	lastSuccessAt time.Time
	lastError     string
	nextAttemptAt time.Time
}

// PipelineDeps 管道依赖；Exporter/Reconciler/Recovery/Guard 可为 nil
type PipelineDeps struct {
	Sessions   *SessionManager
	Store      *EventStore
	Exporter   *Exporter
	Guard      *StorageGuard
	Reconciler *AppExitReconciler
	Recovery   *Recovery
	Hub        *eventbus.Hub
}

// NewPipeline 创建管道
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = def.ExportInterval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Pipeline{
		sessions:   deps.Sessions,
		store:      deps.Store,
		exporter:   deps.Exporter,
		guard:      deps.Guard,
		reconciler: deps.Reconciler,
		recovery:   deps.Recovery,
		hub:        deps.Hub,
		cfg:        cfg,
		now:        time.Now,
		queue:      make(chan task, cfg.QueueSize),
		writerDone: make(chan struct{}),
		trigger:    make(chan bool, 1),

		controlSignal: make(chan struct{}, 1),
	}
}

// Start 重放日志、创建会话，然后启动写入协程与导出循环
func (p *Pipeline) Start(ctx context.Context) error {
	if p.running.Load() {
		return nil
	}

	if p.recovery != nil {
		if _, err := p.recovery.Replay(ctx); err != nil {
			slog.Error("会话日志重放失败", "error", err)
		}
	}
	sessionID, err := p.sessions.Start(ctx)
	if err != nil {
		return err
	}
	if p.exporter != nil {
		if n, err := p.exporter.CleanupUnreported(ctx); err != nil {
			slog.Warn("清理不上报会话失败", "error", err)
		} else if n > 0 {
			slog.Info("已清理不上报的历史会话", "count", n)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	// 写库使用独立的 background ctx，避免外部 cancel 影响 Stop 时的数据落库
	go p.writerLoop(context.Background())

	p.ReconcileAppExits()
	p.requestEnforce()

	if p.exporter != nil {
		p.wg.Add(2)
		go p.exportLoop(runCtx)
		go p.watchCrashes(runCtx)
	}

	slog.Info("管道启动",
		"session_id", sessionID,
		"queue_cap", cap(p.queue),
		"export_enabled", p.exporter != nil,
		"export_interval", p.cfg.ExportInterval,
	)
	return nil
}

// Stop 停止调度并等待队列中的任务全部执行完
func (p *Pipeline) Stop() error {
	if !p.running.Load() {
		return nil
	}
	slog.Info("正在停止管道...")

	p.cancel()
	p.wg.Wait()

	p.queueMu.Lock()
	p.closed = true
	close(p.queue)
	p.queueMu.Unlock()
	<-p.writerDone

	p.running.Store(false)
	slog.Info("管道已停止", "stored", p.stored.Load(), "dropped", p.dropped.Load())
	return nil
}

// writerLoop 单一写入协程：控制任务优先，普通任务按提交顺序执行
func (p *Pipeline) writerLoop(ctx context.Context) {
	defer close(p.writerDone)
	for {
		select {
		case t, ok := <-p.queue:
			p.runControl(ctx)
			if !ok {
				return
			}
			t(ctx)
		case <-p.controlSignal:
			p.runControl(ctx)
		}
	}
}

func (p *Pipeline) runControl(ctx context.Context) {
	for {
		p.controlMu.Lock()
		pending := p.control
		p.control = nil
		p.controlMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, t := range pending {
			t(ctx)
		}
	}
}

// enqueue 非阻塞投递，队列满或已关闭时返回 false
func (p *Pipeline) enqueue(t task) bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// enqueueControl 投递不能丢的控制任务，不受队列容量限制，也不会阻塞调用方。
// 控制任务只在会话切换与崩溃时产生，数量很少。
func (p *Pipeline) enqueueControl(t task) bool {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.closed {
		return false
	}
	p.controlMu.Lock()
	p.control = append(p.control, t)
	p.controlMu.Unlock()
	select {
	case p.controlSignal <- struct{}{}:
	default:
	}
	return true
}

// Submit 非阻塞提交事件，返回是否被接收
func (p *Pipeline) Submit(req SubmitRequest) bool {
	p.submitted.Add(1)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = p.sessions.CurrentSessionID()
	}
	if sessionID == "" || !p.running.Load() {
		p.drop(req.Type, "pipeline not running")
		return false
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = p.now().UnixMilli()
	}

	crash := req.Type == schema.EventTypeANR || (req.Type == schema.EventTypeException && req.Unhandled)
	if crash {
		p.sessions.MarkCrashedLocal(sessionID)
	}

	ev := &NewEvent{
		Type:          req.Type,
		Timestamp:     ts,
		SessionID:     sessionID,
		UserTriggered: req.UserTriggered,
		Payload:       req.Payload,
		Attributes:    req.Attributes,
		Attachments:   req.Attachments,
	}
	t := func(ctx context.Context) {
		p.storeEvent(ctx, ev)
		if crash {
			if err := p.sessions.PersistCrash(ctx, sessionID); err != nil {
				slog.Error("持久化崩溃标记失败", "session_id", sessionID, "error", err)
			}
		}
	}

	accepted := false
	if crash {
		accepted = p.enqueueControl(t)
	} else {
		accepted = p.enqueue(t)
	}
	if !accepted {
		p.drop(req.Type, "queue full")
	}
	return accepted
}

func (p *Pipeline) drop(t schema.EventType, reason string) {
	p.dropped.Add(1)
	slog.Warn("事件被丢弃", "type", t, "reason", reason)
	p.hub.Publish(eventbus.Event{Type: eventbus.TopicEventDropped, Data: map[string]any{"type": string(t), "reason": reason}})
}

func (p *Pipeline) storeEvent(ctx context.Context, ev *NewEvent) {
	if _, err := p.store.Store(ctx, ev); err != nil {
		p.storeErrors.Add(1)
		slog.Error("事件写入失败", "type", ev.Type, "session_id", ev.SessionID, "error", err)
		return
	}
	n := p.stored.Add(1)
	if p.cfg.GuardEvery > 0 && n%p.cfg.GuardEvery == 0 {
		p.enforceStorage(ctx)
	}
	if p.cfg.ExportEvery > 0 && n%p.cfg.ExportEvery == 0 {
		p.TriggerExport()
	}
}

// requestEnforce 让写入协程做一次存储压力检查，未执行前的重复请求合并
func (p *Pipeline) requestEnforce() {
	if p.guard == nil || !p.guardPending.CompareAndSwap(false, true) {
		return
	}
	if !p.enqueueControl(func(ctx context.Context) {
		p.guardPending.Store(false)
		p.enforceStorage(ctx)
	}) {
		p.guardPending.Store(false)
	}
}

// enforceStorage 只在写入协程中调用
func (p *Pipeline) enforceStorage(ctx context.Context) {
	if p.guard == nil {
		return
	}
	if _, err := p.guard.Enforce(ctx); err != nil {
		slog.Error("存储压力检查失败", "error", err)
	}
}

// CurrentSessionID 当前会话 ID
func (p *Pipeline) CurrentSessionID() string {
	return p.sessions.CurrentSessionID()
}

// OnForeground 回到前台，必要时切换会话（持久化在写入协程中进行，先于之后提交的事件）
func (p *Pipeline) OnForeground() {
	s, created := p.sessions.OnForeground()
	if !created {
		return
	}
	p.enqueueControl(func(ctx context.Context) {
		if err := p.sessions.Persist(ctx, s); err != nil {
			slog.Error("新会话持久化失败", "session_id", s.ID, "error", err)
		}
	})
}

// OnBackground 进入后台
func (p *Pipeline) OnBackground() {
	p.sessions.OnBackground()
}

// MarkCrashed 标记会话崩溃；为空表示当前会话
func (p *Pipeline) MarkCrashed(sessionID string) {
	if sessionID == "" {
		sessionID = p.sessions.CurrentSessionID()
	}
	if sessionID == "" {
		return
	}
	p.sessions.MarkCrashedLocal(sessionID)
	p.enqueueControl(func(ctx context.Context) {
		if err := p.sessions.PersistCrash(ctx, sessionID); err != nil {
			slog.Error("持久化崩溃标记失败", "session_id", sessionID, "error", err)
		}
	})
}

// ReconcileAppExits 在写入协程中执行一次退出记录关联
func (p *Pipeline) ReconcileAppExits() {
	if p.reconciler == nil {
		return
	}
	p.enqueueControl(func(ctx context.Context) {
		n, err := p.reconciler.Reconcile(ctx)
		if err != nil {
			slog.Error("退出记录关联失败", "error", err)
			return
		}
		if n > 0 {
			slog.Info("已关联退出记录", "count", n)
			p.TriggerExport()
		}
	})
}

// TriggerExport 请求尽快导出（处于退避期时忽略）
func (p *Pipeline) TriggerExport() {
	p.signal(false)
}

func (p *Pipeline) signal(force bool) {
	select {
	case p.trigger <- force:
	default:
	}
}

func (p *Pipeline) watchCrashes(ctx context.Context) {
	defer p.wg.Done()
	for range p.hub.Subscribe(ctx, 4, eventbus.TopicSessionCrashed) {
		p.signal(true)
	}
}

func (p *Pipeline) exportLoop(ctx context.Context) {
	defer p.wg.Done()

	backoff := NewBackoff(p.cfg.BackoffInitial, p.cfg.BackoffMax)
	inBackoff := false

	p.recordExport(p.exporter.ExportPreviousSessions(ctx))

	timer := time.NewTimer(p.cfg.ExportInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case force := <-p.trigger:
			if inBackoff && !force {
				continue
			}
		case <-timer.C:
		}

		res, err := p.exporter.ExportCycle(ctx)
		p.recordExport(res, err)
		wait := p.cfg.ExportInterval
		if err != nil && ctx.Err() == nil {
			wait = backoff.Next()
			inBackoff = true
		} else {
			backoff.Reset()
			inBackoff = false
		}
		p.setNextAttempt(p.now().Add(wait))
		timer.Reset(wait)

		p.requestEnforce()
	}
}

func (p *Pipeline) recordExport(res CycleResult, err error) {
	if res.Skipped {
		return
	}
	if res.Batches > 0 {
		slog.Debug("导出轮次结束", "batches", res.Batches, "exported", res.Exported, "dropped", res.Dropped)
	}
	p.exportMu.Lock()
	defer p.exportMu.Unlock()
	now := p.now()
	p.lastAttemptAt = now
	if err != nil {
		p.lastError = err.Error()
		slog.Warn("导出失败", "error", err)
		return
	}
	p.lastSuccessAt = now
	p.lastError = ""
}

func (p *Pipeline) setNextAttempt(t time.Time) {
	p.exportMu.Lock()
	p.nextAttemptAt = t
	p.exportMu.Unlock()
}

// Stats 管道与导出状态快照
func (p *Pipeline) Stats() (dto.PipelineStatusDTO, dto.ExportStatusDTO) {
	pipe := dto.PipelineStatusDTO{
		Running:          p.running.Load(),
		CurrentSessionID: p.sessions.CurrentSessionID(),
		QueueLen:         len(p.queue),
		QueueCap:         cap(p.queue),
		Submitted:        p.submitted.Load(),
		Stored:           p.stored.Load(),
		Dropped:          p.dropped.Load(),
		StoreErrors:      p.storeErrors.Load(),
	}

	exp := dto.ExportStatusDTO{Enabled: p.exporter != nil}
	if p.exporter != nil {
		exp.Exported, exp.Dropped = p.exporter.Totals()
	}
	p.exportMu.Lock()
	exp.LastAttemptAt = unixMilliOrZero(p.lastAttemptAt)
	exp.LastSuccessAt = unixMilliOrZero(p.lastSuccessAt)
	exp.LastError = p.lastError
	exp.NextAttemptAt = unixMilliOrZero(p.nextAttemptAt)
	p.exportMu.Unlock()
	return pipe, exp
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
