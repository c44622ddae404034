package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 审计日志滚动的默认参数。
const (
	defaultAuditLimitMB       = 64
	defaultAuditBackups       = 5
	defaultAuditRetentionDays = 14

	backupTimeLayout = "20060102T150405.000000000"
)

// auditWriter 按大小滚动审计日志文件。滚出的历史文件以时间戳命名，
// 按数量与保留期两个维度裁剪。
type auditWriter struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	limit     int64
	keep      int
	retention time.Duration
	written   int64
	now       func() time.Time
}

func newAuditWriter(path string, limitMB, keep, retentionDays int) (*auditWriter, error) {
	if path == "" {
		return nil, errors.New("审计日志路径不能为空")
	}
	if limitMB <= 0 {
		limitMB = defaultAuditLimitMB
	}
	if keep <= 0 {
		keep = defaultAuditBackups
	}
	if retentionDays <= 0 {
		retentionDays = defaultAuditRetentionDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &auditWriter{
		path:      path,
		limit:     int64(limitMB) * 1024 * 1024,
		keep:      keep,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}, nil
}

func (w *auditWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.written+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *auditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.written = 0
	return err
}

func (w *auditWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("读取审计日志大小失败: %w", err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

// rotate 把当前文件滚出为时间戳备份并触发裁剪。
func (w *auditWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.written = 0

	backup := fmt.Sprintf("%s.%s", w.path, w.now().UTC().Format(backupTimeLayout))
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, backup); err != nil {
			return fmt.Errorf("滚动审计日志失败: %w", err)
		}
	}

	w.prune()
	return nil
}

// prune 删除超出保留数量或保留期的历史文件。时间戳后缀保证字典序
// 即时间序。
func (w *auditWriter) prune() {
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	backups := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, entry.Name())
		}
	}
	sort.Strings(backups)

	cutoff := w.now().Add(-w.retention)
	excess := len(backups) - w.keep
	for idx, name := range backups {
		full := filepath.Join(dir, name)
		if idx < excess {
			_ = os.Remove(full)
			continue
		}
		if info, err := os.Stat(full); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(full)
		}
	}
}
