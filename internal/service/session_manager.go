package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/yuqie6/telepipe/internal/eventbus"
	"github.com/yuqie6/telepipe/internal/pkg/idgen"
	"github.com/yuqie6/telepipe/internal/schema"
	"github.com/yuqie6/telepipe/internal/sessionlog"
)

// DefaultIdleTimeout 后台超过该时长再回到前台时开启新会话
const DefaultIdleTimeout = 20 * time.Minute

// SessionConfig 会话管理配置
type SessionConfig struct {
	IdleTimeout  time.Duration
	SamplingRate float64 // 无错误会话被上报的概率，0~1
}

// SessionManager 维护当前会话（内存缓存）并负责会话的创建与崩溃标记
type SessionManager struct {
	repo    SessionRepository
	journal Journal
	hub     *eventbus.Hub
	cfg     SessionConfig

	now    func() time.Time
	pid    int
	sample func() float64
	newID  func() string

	mu           sync.RWMutex
	current      *schema.Session
	backgroundAt time.Time // 零值表示在前台
}

// NewSessionManager 创建会话管理器；journal 与 hub 可为 nil
func NewSessionManager(repo SessionRepository, journal Journal, hub *eventbus.Hub, cfg SessionConfig) *SessionManager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &SessionManager{
		repo:    repo,
		journal: journal,
		hub:     hub,
		cfg:     cfg,
		now:     time.Now,
		pid:     os.Getpid(),
		sample:  rand.Float64,
		newID:   idgen.New,
	}
}

// Start 创建并持久化进程启动时的首个会话
func (m *SessionManager) Start(ctx context.Context) (string, error) {
	s := m.newSession()
	if err := m.Persist(ctx, s); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.current = s
	m.backgroundAt = time.Time{}
	m.mu.Unlock()

	slog.Info("会话已创建", "session_id", s.ID, "pid", s.PID, "needs_reporting", s.NeedsReporting)
	return s.ID, nil
}

func (m *SessionManager) newSession() *schema.Session {
	return &schema.Session{
		ID:             m.newID(),
		PID:            m.pid,
		CreatedAtMs:    m.now().UnixMilli(),
		NeedsReporting: m.cfg.SamplingRate > 0 && m.sample() < m.cfg.SamplingRate,
	}
}

// CurrentSessionID 返回当前会话 ID，未启动时为空串
func (m *SessionManager) CurrentSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// Current 返回当前会话快照
func (m *SessionManager) Current() (schema.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return schema.Session{}, false
	}
	return *m.current, true
}

// IsCurrent 判断是否为当前会话
func (m *SessionManager) IsCurrent(id string) bool {
	return id != "" && id == m.CurrentSessionID()
}

// OnBackground 记录进入后台的时间
func (m *SessionManager) OnBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backgroundAt.IsZero() {
		m.backgroundAt = m.now()
	}
}

// OnForeground 回到前台。后台时长超过空闲超时则切换到新会话，
// 返回的新会话已写入缓存，调用方负责异步 Persist。
func (m *SessionManager) OnForeground() (*schema.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bgAt := m.backgroundAt
	m.backgroundAt = time.Time{}
	if m.current != nil && (bgAt.IsZero() || m.now().Sub(bgAt) < m.cfg.IdleTimeout) {
		return nil, false
	}

	s := m.newSession()
	prev := ""
	if m.current != nil {
		prev = m.current.ID
	}
	m.current = s
	slog.Info("空闲超时，切换新会话", "session_id", s.ID, "previous_session_id", prev)
	return s, true
}

// MarkCrashedLocal 只更新内存缓存（生产线程调用，不触碰 I/O）
func (m *SessionManager) MarkCrashedLocal(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		m.current.Crashed = true
		m.current.NeedsReporting = true
	}
}

// PersistCrash 将崩溃标记写入库并广播
func (m *SessionManager) PersistCrash(ctx context.Context, id string) error {
	if err := m.repo.MarkCrashed(ctx, id); err != nil {
		return fmt.Errorf("标记会话崩溃失败: %w", err)
	}
	m.hub.Publish(eventbus.Event{Type: eventbus.TopicSessionCrashed, Data: map[string]any{"session_id": id}})
	return nil
}

// Persist 先写关系库再写会话描述文件：描述文件存在即意味着库内有对应行
func (m *SessionManager) Persist(ctx context.Context, s *schema.Session) error {
	if err := m.repo.Insert(ctx, s.ID, s.PID, s.CreatedAtMs, s.NeedsReporting); err != nil {
		return fmt.Errorf("持久化会话失败: %w", err)
	}
	if m.journal != nil {
		desc := sessionlog.Descriptor{ID: s.ID, PID: s.PID, CreatedAt: s.CreatedAtMs, NeedsReporting: s.NeedsReporting}
		if err := m.journal.InitSession(desc); err != nil {
			slog.Warn("写入会话描述文件失败", "session_id", s.ID, "error", err)
		}
	}
	m.hub.Publish(eventbus.Event{Type: eventbus.TopicSessionStarted, Data: map[string]any{"session_id": s.ID}})
	return nil
}
