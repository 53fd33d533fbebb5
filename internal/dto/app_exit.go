package dto

// AppExit 系统记录的进程退出信息（崩溃、ANR 被杀、用户划掉、低内存回收）
type AppExit struct {
	PID         int    `json:"pid"`
	Reason      string `json:"reason"`
	Importance  string `json:"importance,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	Trace       string `json:"trace,omitempty"`
}
