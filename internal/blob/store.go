// Package blob 按 ID 把较大的载荷（序列化事件体、附件字节）存为独立文件。
// 一条载荷一个文件，写入先落临时文件再原子改名，崩溃最多留下可清理的临时文件。
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tmpMarker = ".tmp-"

// Store 以固定根目录为范围的 Blob 文件存储
type Store struct {
	root string
}

// NewStore 创建 Blob 存储，目录在首次写入时创建
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root Blob 根目录
func (s *Store) Root() string {
	return s.root
}

// Path 返回 id 对应的文件路径
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

// Write 写入字节内容，返回文件路径；失败时不会留下部分写入的文件
func (s *Store) Write(id string, content []byte) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("创建 blob 目录失败 %s: %w", s.root, err)
	}

	dst := s.Path(id)
	tmp, err := os.CreateTemp(s.root, id+tmpMarker+"*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("落盘 blob 失败 %s: %w", dst, err)
	}
	return dst, nil
}

// Read 读取文件内容，文件不存在或不可读时返回 false
func (s *Store) Read(path string) ([]byte, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("读取 blob 失败", "path", path, "error", err)
		}
		return nil, false
	}
	return b, true
}

// Size 返回文件大小，文件不存在时返回 false
func (s *Store) Size(path string) (int64, bool) {
	if strings.TrimSpace(path) == "" {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// Remove 删除给定路径的文件，返回实际删除数量；不存在的文件视为已删除
func (s *Store) Remove(paths []string) int {
	removed := 0
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("删除 blob 失败", "path", p, "error", err)
			}
			continue
		}
		removed++
	}
	return removed
}

// SweepTemp 清理上次进程被杀后残留的临时文件
func (s *Store) SweepTemp(olderThan time.Duration) int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	swept := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), tmpMarker) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
			swept++
		}
	}
	if swept > 0 {
		slog.Info("清理残留临时文件", "count", swept, "root", s.root)
	}
	return swept
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("blob id 不能为空")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, tmpMarker) {
		return fmt.Errorf("非法 blob id %q", id)
	}
	return nil
}
