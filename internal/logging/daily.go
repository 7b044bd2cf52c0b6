package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"hiprint/transit/internal/config"
)

const dayLayout = "2006-01-02"

// dailyWriter appends to <dir>/<YYYY-MM-DD>.log, opening a new file when the local
// date changes. A file that outgrows maxSize is rolled to <date>.log.<HHMMSS>.
type dailyWriter struct {
	mu         sync.Mutex
	dir        string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	day  string
	file *os.File
	size int64
}

func newDailyWriter(cfg config.LoggingConfig, now func() time.Time) (*dailyWriter, error) {
	if cfg.MaxSizeMB <= 0 {
		return nil, errors.New("logging.maxSizeMB must be positive")
	}
	if cfg.MaxBackups < 0 {
		return nil, errors.New("logging.maxBackups must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		return nil, errors.New("logging.maxAgeDays must be non-negative")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	w := &dailyWriter{
		dir:        cfg.Dir,
		maxSize:    int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        now,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyWriter) currentPath() string {
	return filepath.Join(w.dir, w.day+".log")
}

func (w *dailyWriter) openLocked(day string) error {
	w.day = day
	file, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if day := now.Format(dayLayout); day != w.day {
		if err := w.file.Close(); err != nil {
			return 0, err
		}
		if err := w.openLocked(day); err != nil {
			return 0, err
		}
		_ = w.cleanupLocked(now)
	} else if w.size+int64(len(p)) > w.maxSize {
		if err := w.rollLocked(now); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *dailyWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *dailyWriter) rollLocked(now time.Time) error {
	if w.file == nil {
		return errors.New("log file not initialized")
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	current := w.currentPath()
	rolled := fmt.Sprintf("%s.%s", current, now.Format("150405.000000000"))
	if err := os.Rename(current, rolled); err != nil {
		return err
	}
	if w.compress {
		if err := compressFile(rolled, rolled+".gz"); err == nil {
			_ = os.Remove(rolled)
		}
	}
	if err := w.cleanupLocked(now); err != nil {
		return err
	}
	return w.openLocked(w.day)
}

// cleanupLocked prunes every log file other than the active one beyond the
// configured count and age.
func (w *dailyWriter) cleanupLocked(now time.Time) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	type logFile struct {
		name string
		mod  time.Time
	}
	active := filepath.Base(w.currentPath())
	files := make([]logFile, 0)
	for _, entry := range entries {
		name := entry.Name()
		if name == active || !strings.Contains(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: filepath.Join(w.dir, name), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	if w.maxBackups > 0 && len(files) > w.maxBackups {
		for _, file := range files[w.maxBackups:] {
			_ = os.Remove(file.name)
		}
		files = files[:w.maxBackups]
	}
	if w.maxAge > 0 {
		cutoff := now.Add(-w.maxAge)
		for _, file := range files {
			if file.mod.Before(cutoff) {
				_ = os.Remove(file.name)
			}
		}
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
