package schema

// Session 一段应用活跃期（可能跨越多次前后台切换）
// 同一进程内可能先后创建多个会话，pid -> session 为一对多
type Session struct {
	ID             string `gorm:"primaryKey;size:64" json:"id"`
	PID            int    `gorm:"column:pid;not null;index" json:"pid"`
	CreatedAtMs    int64  `gorm:"column:created_at_ms;not null;index" json:"created_at"` // Unix 时间戳（毫秒）
	Crashed        bool   `gorm:"not null" json:"crashed"`
	NeedsReporting bool   `gorm:"not null;index" json:"needs_reporting"`
	AppExitTracked bool   `gorm:"not null;index" json:"app_exit_tracked"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}
