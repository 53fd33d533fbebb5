package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/yuqie6/telepipe/internal/dto"
	"github.com/zeebo/blake3"
)

// ErrRejected 采集端明确拒绝该批次，重试没有意义
var ErrRejected = errors.New("batch rejected by collector")

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded %d: %s", e.StatusCode, e.Body)
}

// Permanent 4xx（限流与超时除外）视为永久失败
func (e *StatusError) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	}
	return false
}

func (e *StatusError) Unwrap() error {
	if e.Permanent() {
		return ErrRejected
	}
	return nil
}

// 编码器可并发复用
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
}

// Config HTTP 采集端配置
type Config struct {
	Endpoint string
	APIKey   string
	Compress bool
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPSender 通过 multipart 请求把一个批次发给采集端
type HTTPSender struct {
	endpoint string
	apiKey   string
	compress bool
	client   *http.Client
}

// NewHTTPSender 创建 HTTP 发送器
func NewHTTPSender(cfg Config) (*HTTPSender, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("export.endpoint 未配置")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSender{
		endpoint: strings.TrimRight(endpoint, "/") + "/events",
		apiKey:   cfg.APIKey,
		compress: cfg.Compress,
		client:   client,
	}, nil
}

// Send 发送批次；批次 ID 作为请求 ID，采集端据此去重
func (s *HTTPSender) Send(ctx context.Context, batchID string, events []dto.EventPacket, attachments []dto.AttachmentPacket) error {
	body, contentType, err := encodeBatch(events, attachments)
	if err != nil {
		return err
	}
	rawSize := len(body)
	if s.compress {
		body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-Id", batchID)
	if s.compress {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送批次失败: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	slog.Debug("批次已发送", "batch_id", batchID, "events", len(events), "bytes", rawSize, "wire_bytes", len(body), "duration", time.Since(start))
	return nil
}

// encodeBatch 每个事件一个 event 字段，每个附件一个文件分段（带 blake3 摘要）
func encodeBatch(events []dto.EventPacket, attachments []dto.AttachmentPacket) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, "", fmt.Errorf("序列化事件失败 id=%s: %w", ev.EventID, err)
		}
		if err := w.WriteField("event", string(raw)); err != nil {
			return nil, "", err
		}
	}

	for _, att := range attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			// 附件文件丢失不影响事件本身
			slog.Warn("附件文件读取失败，跳过", "attachment_id", att.ID, "path", att.Path, "error", err)
			continue
		}
		sum := blake3.Sum256(data)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, att.Name))
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Digest", "blake3="+hex.EncodeToString(sum[:]))
		h.Set("X-Attachment-Id", att.ID)
		h.Set("X-Event-Id", att.EventID)
		h.Set("X-Attachment-Type", att.Type)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Digest 计算附件内容摘要（与请求头中的格式一致）
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3=" + hex.EncodeToString(sum[:])
}
