package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/yuqie6/telepipe/internal/dto"
)

type captured struct {
	header http.Header
	events []dto.EventPacket
	files  map[string][]byte
	digest map[string]string
}

func captureServer(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Encoding") == "zstd" {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				t.Errorf("zstd reader: %v", err)
				return
			}
			defer dec.Close()
			body, err = dec.DecodeAll(body, nil)
			if err != nil {
				t.Errorf("zstd decode: %v", err)
				return
			}
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("content type: %v", err)
			return
		}
		got.files = map[string][]byte{}
		got.digest = map[string]string{}
		mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "event":
				var ev dto.EventPacket
				if err := json.Unmarshal(data, &ev); err != nil {
					t.Errorf("event json: %v", err)
				}
				got.events = append(got.events, ev)
			case "attachment":
				id := part.Header.Get("X-Attachment-Id")
				got.files[id] = data
				got.digest[id] = part.Header.Get("Content-Digest")
			}
		}
		w.WriteHeader(status)
	}))
}

func TestHTTPSenderSendsCompressedMultipart(t *testing.T) {
	var got captured
	srv := captureServer(t, http.StatusAccepted, &got)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewHTTPSender(Config{Endpoint: srv.URL, APIKey: "secret", Compress: true})
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	err = s.Send(context.Background(), "batch-1",
		[]dto.EventPacket{{EventID: "e1", SessionID: "s1", Type: "custom", Data: `{"a":1}`}},
		[]dto.AttachmentPacket{
			{ID: "a1", EventID: "e1", Name: "shot.png", Type: "screenshot", Path: path},
			{ID: "missing", EventID: "e1", Name: "gone.png", Type: "screenshot", Path: filepath.Join(t.TempDir(), "nope")},
		})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if got.header.Get("X-Request-Id") != "batch-1" || got.header.Get("Authorization") != "Bearer secret" {
		t.Fatalf("headers=%v", got.header)
	}
	if len(got.events) != 1 || got.events[0].Data != `{"a":1}` {
		t.Fatalf("events=%+v", got.events)
	}
	if string(got.files["a1"]) != "png-bytes" || got.digest["a1"] != Digest([]byte("png-bytes")) {
		t.Fatalf("attachment=%q digest=%q", got.files["a1"], got.digest["a1"])
	}
	if _, ok := got.files["missing"]; ok {
		t.Fatalf("missing attachment should be skipped")
	}
}

func TestHTTPSenderStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusUnauthorized, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		var got captured
		srv := captureServer(t, tt.status, &got)
		s, _ := NewHTTPSender(Config{Endpoint: srv.URL})
		err := s.Send(context.Background(), "b", []dto.EventPacket{{EventID: "e1"}}, nil)
		srv.Close()

		if (err != nil) != tt.wantErr {
			t.Fatalf("status %d: err=%v", tt.status, err)
		}
		if err == nil {
			continue
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Permanent() != tt.permanent {
			t.Fatalf("status %d: err=%v permanent=%v", tt.status, err, tt.permanent)
		}
		if errors.Is(err, ErrRejected) != tt.permanent {
			t.Fatalf("status %d: ErrRejected mismatch", tt.status)
		}
		if got.header.Get("Content-Encoding") != "" {
			t.Fatalf("uncompressed request carried Content-Encoding")
		}
	}
}

func TestHTTPSenderRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPSender(Config{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
