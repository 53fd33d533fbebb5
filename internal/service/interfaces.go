package service

import (
	"context"

	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/yuqie6/telepipe/internal/repository"
	"github.com/yuqie6/telepipe/internal/schema"
	"github.com/yuqie6/telepipe/internal/sessionlog"
)

// 仓储/外部依赖的最小接口集合（ISP）

type SessionRepository interface {
	Insert(ctx context.Context, id string, pid int, createdAtMs int64, needsReporting bool) error
	MarkCrashed(ctx context.Context, id string) error
	GetSessionsWithUntrackedAppExit(ctx context.Context) (map[int][]string, error)
	UpdateAppExitTracked(ctx context.Context, pid int, exclude ...string) error
	GetOldestExcept(ctx context.Context, exclude ...string) (string, error)
	GetSessionIDs(ctx context.Context, needsReporting bool, exclude []string, maxCount int) ([]string, error)
	GetByID(ctx context.Context, id string) (*schema.Session, error)
	Count(ctx context.Context) (int64, error)
	DeleteSessions(ctx context.Context, ids []string) []string
}

type EventRepository interface {
	Insert(ctx context.Context, event *schema.Event, attachments []schema.Attachment) error
	GetUnbatched(ctx context.Context, q repository.UnbatchedQuery) ([]repository.UnbatchedEvent, error)
	GetByIDs(ctx context.Context, ids []string) ([]schema.Event, error)
	GetAttachmentsForEvents(ctx context.Context, eventIDs []string) ([]schema.Attachment, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	ExistingAttachmentIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	Count(ctx context.Context) (int64, error)
	CountForSession(ctx context.Context, sessionID string, types ...schema.EventType) (int64, error)
	DeleteEvents(ctx context.Context, ids []string) []string
}

type BatchRepository interface {
	Insert(ctx context.Context, eventIDs []string, batchID string, createdAtMs int64) error
	GetBatches(ctx context.Context, maxBatches int) ([]repository.BatchGroup, error)
	CountPending(ctx context.Context) (int64, error)
}

// BlobStore 大载荷文件存储
type BlobStore interface {
	Write(id string, content []byte) (string, error)
	Read(path string) ([]byte, bool)
	Size(path string) (int64, bool)
	Remove(paths []string) int
}

// Journal 会话级追加日志，用于进程被杀后的恢复
type Journal interface {
	InitSession(desc sessionlog.Descriptor) error
	AppendEvent(ev *schema.Event, attachments []schema.Attachment) error
	AppendExported(sessionID string, eventIDs []string) error
	Pending(sessionID string) ([]sessionlog.Entry, error)
	ListSessions() ([]sessionlog.Descriptor, error)
	DeleteSession(sessionID string) error
}

// Sender 网络传输协作者：整批发送，返回 nil 表示采集端已确认
type Sender interface {
	Send(ctx context.Context, batchID string, events []dto.EventPacket, attachments []dto.AttachmentPacket) error
}

// ExitSource 系统进程退出记录来源
type ExitSource interface {
	ListRecentExits(ctx context.Context) ([]dto.AppExit, error)
}

// permanentError 由传输层实现，标记不应重试的失败
type permanentError interface {
	Permanent() bool
}
