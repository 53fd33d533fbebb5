package idgen

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewAt 生成指定时间的 ULID（按时间有序，同毫秒内单调递增）
func NewAt(now time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now.UTC()), entropy)
	if err != nil {
		if err == io.EOF {
			return "", fmt.Errorf("generate id: insufficient entropy")
		}
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// New 生成当前时间的 ULID，熵源异常时退回到非单调熵
func New() string {
	id, err := NewAt(time.Now())
	if err == nil {
		return id
	}
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
