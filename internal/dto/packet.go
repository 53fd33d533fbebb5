package dto

// EventPacket 导出时发送给采集端的事件
// Data 为事件载荷原文（JSON），内联或从 Blob 文件读取后填充
type EventPacket struct {
	EventID       string `json:"id"`
	SessionID     string `json:"session_id"`
	Timestamp     string `json:"timestamp"` // RFC3339（UTC，毫秒精度）
	TimestampMs   int64  `json:"timestamp_ms"`
	Type          string `json:"type"`
	UserTriggered bool   `json:"user_triggered"`
	Data          string `json:"data,omitempty"`
	Attributes    string `json:"attributes,omitempty"`
	Attachments   string `json:"attachments,omitempty"`
}

// AttachmentPacket 导出时发送的附件，字节由传输层按 Path 读取
type AttachmentPacket struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Path    string `json:"path"`
}
