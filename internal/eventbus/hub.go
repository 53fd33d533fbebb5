package eventbus

import (
	"context"
	"sync"
	"time"
)

// 管道内部广播的主题
const (
	TopicSessionStarted = "session.started"
	TopicSessionCrashed = "session.crashed"
	TopicEventDropped   = "event.dropped"
	TopicBatchExported  = "batch.exported"
	TopicExportFailed   = "export.failed"
	TopicAppExitTracked = "app_exit.tracked"
)

// Event 广播消息
type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch     chan Event
	topics map[string]struct{} // 为空表示订阅全部
}

func (s subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Hub 进程内发布订阅，发布方永不阻塞
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscriber
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]subscriber), now: time.Now}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = h.now().UnixMilli()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch, sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case ch <- evt:
		default:
			// 慢消费者直接丢弃，避免阻塞写入链路
		}
	}
}

// Subscribe 订阅指定主题（不传表示全部），ctx 结束后自动退订并关闭通道
func (h *Hub) Subscribe(ctx context.Context, buffer int, topics ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := subscriber{ch: ch}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[ch] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}()

	return ch
}
