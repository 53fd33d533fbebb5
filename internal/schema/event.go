package schema

// EventType 事件类型（封闭枚举）
type EventType string

const (
	EventTypeException     EventType = "exception"
	EventTypeANR           EventType = "anr"
	EventTypeHTTP          EventType = "http"
	EventTypeCPUUsage      EventType = "cpu_usage"
	EventTypeMemoryUsage   EventType = "memory_usage"
	EventTypeLifecycle     EventType = "lifecycle"
	EventTypeGesture       EventType = "gesture"
	EventTypeNavigation    EventType = "navigation"
	EventTypeCustom        EventType = "custom"
	EventTypeColdLaunch    EventType = "cold_launch"
	EventTypeWarmLaunch    EventType = "warm_launch"
	EventTypeHotLaunch     EventType = "hot_launch"
	EventTypeAppExit       EventType = "app_exit"
	EventTypeScreenshot    EventType = "screenshot"
	EventTypeTrimMemory    EventType = "trim_memory"
	EventTypeNetworkChange EventType = "network_change"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeException:     {},
	EventTypeANR:           {},
	EventTypeHTTP:          {},
	EventTypeCPUUsage:      {},
	EventTypeMemoryUsage:   {},
	EventTypeLifecycle:     {},
	EventTypeGesture:       {},
	EventTypeNavigation:    {},
	EventTypeCustom:        {},
	EventTypeColdLaunch:    {},
	EventTypeWarmLaunch:    {},
	EventTypeHotLaunch:     {},
	EventTypeAppExit:       {},
	EventTypeScreenshot:    {},
	EventTypeTrimMemory:    {},
	EventTypeNetworkChange: {},
}

// Valid 是否为已知事件类型
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// DefaultAlwaysExportTypes 即使会话不需要上报也会导出的事件类型（启动耗时指标）
func DefaultAlwaysExportTypes() []EventType {
	return []EventType{EventTypeColdLaunch, EventTypeWarmLaunch, EventTypeHotLaunch}
}

// Event 本地持久化的事件行
// 载荷二选一：Serialized（内联）或 FilePath（Blob 文件），载荷为空或写文件失败时两者皆为空
type Event struct {
	ID                    string     `gorm:"primaryKey;size:64" json:"id"`
	Type                  EventType  `gorm:"size:32;not null;index" json:"type"`
	Timestamp             int64      `gorm:"not null;index" json:"timestamp"` // Unix 时间戳（毫秒）
	SessionID             string     `gorm:"size:64;not null;index" json:"session_id"`
	Session               *Session   `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	UserTriggered         bool       `gorm:"not null" json:"user_triggered"`
	FilePath              *string    `gorm:"type:text" json:"file_path,omitempty"`
	Serialized            *string    `gorm:"type:text" json:"serialized,omitempty"`
	PayloadSize           int64      `gorm:"not null" json:"payload_size"`
	Attributes            Attributes `gorm:"type:text" json:"attributes,omitempty"`
	SerializedAttachments *string    `gorm:"type:text" json:"serialized_attachments,omitempty"`
	AttachmentsSize       int64      `gorm:"not null" json:"attachments_size"`
	BatchID               *string    `gorm:"size:64;index" json:"batch_id,omitempty"`
}

// TableName 指定表名
func (Event) TableName() string {
	return "events"
}

// Attachment 事件附件（截图、布局快照等），字节内容只存放在 Path 指向的文件中
type Attachment struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	EventID   string `gorm:"size:64;not null;index" json:"event_id"`
	Event     *Event `gorm:"foreignKey:EventID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	SessionID string `gorm:"size:64;not null;index" json:"session_id"` // 冗余字段，便于按会话查询
	Type      string `gorm:"size:32;not null" json:"type"`
	Name      string `gorm:"size:255;not null" json:"name"`
	Path      string `gorm:"type:text;not null" json:"path"`
	Timestamp int64  `gorm:"not null" json:"timestamp"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "attachments"
}

// Batch 导出批次，成员关系记录在 events.batch_id 上
type Batch struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index" json:"created_at"`
}

// TableName 指定表名
func (Batch) TableName() string {
	return "batches"
}
