package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	snapshotDirMode  = 0o755
	snapshotFileMode = 0o644
)

// SnapshotFile 整文件 JSON 快照，每次写入通过临时文件 + rename 原子替换
type SnapshotFile struct {
	path string
}

// NewSnapshotFile 创建快照文件句柄
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Path 快照文件路径
func (f *SnapshotFile) Path() string {
	return f.path
}

// Sidecar 返回同目录下的附属文件（如 .quarantine.json）
func (f *SnapshotFile) Sidecar(suffix string) *SnapshotFile {
	return &SnapshotFile{path: f.path + suffix}
}

// Read 读取快照内容，文件不存在或内容为空时返回 nil
func (f *SnapshotFile) Read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照文件失败: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

// Write 序列化并原子替换快照文件
func (f *SnapshotFile) Write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, snapshotDirMode); err != nil {
		return fmt.Errorf("创建快照目录失败: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tempFile.Chmod(snapshotFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("设置临时文件权限失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tempName, f.path); err != nil {
		return fmt.Errorf("替换快照文件失败: %w", err)
	}

	cleanup = false
	return nil
}

// Quarantine 将无法解析的快照移到 <path>.corrupt-<unix>，返回新路径
func (f *SnapshotFile) Quarantine(now time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", f.path, now.Unix())
	if err := os.Rename(f.path, target); err != nil {
		return "", fmt.Errorf("隔离损坏快照失败: %w", err)
	}
	return target, nil
}
