package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/yuqie6/telepipe/internal/schema"
	"github.com/yuqie6/telepipe/internal/service"
)

// Collector 采集器接口
type Collector interface {
	// Start 启动采集
	Start(ctx context.Context) error
	// Stop 停止采集
	Stop() error
	// Records 返回记录通道，采集结束时关闭
	Records() <-chan *Record
}

// 记录类型
const (
	OpEvent      = "event"
	OpForeground = "foreground"
	OpBackground = "background"
	OpCrash      = "crash"
)

// Record 平台适配层写入的一行 NDJSON：一个事件或一个生命周期信号
type Record struct {
	Op            string             `json:"op"`
	Type          string             `json:"type,omitempty"`
	Timestamp     int64              `json:"timestamp,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`
	UserTriggered bool               `json:"user_triggered,omitempty"`
	Unhandled     bool               `json:"unhandled,omitempty"`
	Data          json.RawMessage    `json:"data,omitempty"`
	Attributes    schema.Attributes  `json:"attributes,omitempty"`
	Attachments   []RecordAttachment `json:"attachments,omitempty"`
}

// RecordAttachment Content 为 base64 编码的字节，或者用 Path 引用已有文件
type RecordAttachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content []byte `json:"content,omitempty"`
}

// SubmitRequest 转换为管道提交请求
func (r *Record) SubmitRequest() (service.SubmitRequest, error) {
	t := schema.EventType(r.Type)
	if !t.Valid() {
		return service.SubmitRequest{}, fmt.Errorf("未知事件类型 %q", r.Type)
	}
	req := service.SubmitRequest{
		Type:          t,
		Timestamp:     r.Timestamp,
		SessionID:     r.SessionID,
		UserTriggered: r.UserTriggered,
		Unhandled:     r.Unhandled,
		Attributes:    r.Attributes,
	}
	if len(r.Data) > 0 && string(r.Data) != "null" {
		req.Payload = []byte(r.Data)
	}
	for _, a := range r.Attachments {
		req.Attachments = append(req.Attachments, service.NewAttachment{
			Name:  a.Name,
			Type:  a.Type,
			Path:  a.Path,
			Bytes: a.Content,
		})
	}
	return req, nil
}

// maxRecordBytes 单行上限（附件内容内联时行会很长）
const maxRecordBytes = 16 << 20

// LineCollector 从输入流逐行读取记录
type LineCollector struct {
	reader   io.Reader
	out      chan *Record
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewLineCollector 创建行采集器
func NewLineCollector(r io.Reader, bufferSize int) *LineCollector {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &LineCollector{
		reader:   r,
		out:      make(chan *Record, bufferSize),
		stopChan: make(chan struct{}),
	}
}

// Start 启动采集
func (c *LineCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

// Stop 停止采集（阻塞中的读取会在下一行到达或输入关闭时返回）
func (c *LineCollector) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	return nil
}

// Records 返回记录通道
func (c *LineCollector) Records() <-chan *Record {
	return c.out
}

func (c *LineCollector) readLoop(ctx context.Context) {
	defer close(c.out)

	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("跳过无法解析的输入行", "line", lineNo, "error", err)
			continue
		}
		if rec.Op == "" {
			rec.Op = OpEvent
		}
		select {
		case c.out <- &rec:
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("读取输入失败", "line", lineNo, "error", err)
	}
}
