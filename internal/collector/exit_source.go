package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yuqie6/telepipe/internal/dto"
)

// DirExitSource 从投递目录读取系统进程退出记录。
// 每个 *.json 文件包含一条记录或一个记录数组；超过保留期的文件会被清理。
type DirExitSource struct {
	dir       string
	retention time.Duration
	now       func() time.Time
}

// NewDirExitSource 创建退出记录来源；retention<=0 表示不清理
func NewDirExitSource(dir string, retention time.Duration) *DirExitSource {
	return &DirExitSource{dir: dir, retention: retention, now: time.Now}
}

// Dir 投递目录
func (s *DirExitSource) Dir() string {
	return s.dir
}

// ListRecentExits 目录不存在时返回空列表
func (s *DirExitSource) ListRecentExits(ctx context.Context) ([]dto.AppExit, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取退出记录目录失败: %w", err)
	}

	var out []dto.AppExit
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())

		if s.retention > 0 {
			if info, err := e.Info(); err == nil && s.now().Sub(info.ModTime()) > s.retention {
				if err := os.Remove(path); err != nil {
					slog.Warn("清理过期退出记录失败", "path", path, "error", err)
				}
				continue
			}
		}

		records, err := readExitFile(path)
		if err != nil {
			slog.Warn("跳过无法解析的退出记录", "path", path, "error", err)
			continue
		}
		out = append(out, records...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

func readExitFile(path string) ([]dto.AppExit, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}

	var records []dto.AppExit
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, err
		}
	} else {
		var one dto.AppExit
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		records = []dto.AppExit{one}
	}

	valid := records[:0]
	for _, r := range records {
		if r.PID <= 0 || r.TimestampMs <= 0 {
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}
