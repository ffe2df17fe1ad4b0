package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dirName     = "audit-logs"
	filePrefix  = "audit-"
	fileSuffix  = ".log"
	dayLayout   = "2006-01-02"
	sweepPeriod = 24 * time.Hour
)

// Logger appends events to daily-rotated JSONL files under
// <state-dir>/audit-logs. All appends are serialized through a single
// writer mutex; the file handle is reacquired after a UTC date rollover.
type Logger struct {
	config Config
	dir    string
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu         sync.Mutex // the log-write mutex
	file       *os.File
	currentDay string

	sweepDone chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates the audit logger and its directory. A directory that
// cannot be created is a fatal startup error.
func NewLogger(stateDir string, config Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(stateDir, dirName)
	if config.Enabled {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	return &Logger{
		config:    config,
		dir:       dir,
		logger:    logger.With("component", "audit"),
		now:       time.Now,
		sweepDone: make(chan struct{}),
	}, nil
}

// Record appends the event to the current UTC day file and returns only
// after the write is durable. Callers must not fail the user-visible
// operation on a Record error; they report it to stderr and continue.
func (l *Logger) Record(ctx context.Context, event *Event) error {
	if !l.config.Enabled {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = l.now()
	}
	event.Time = event.Time.UTC()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := event.Time.Format(dayLayout)
	if err := l.ensureFile(day); err != nil {
		return err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// ensureFile opens the day file, rotating after a UTC date rollover.
// Caller holds l.mu.
func (l *Logger) ensureFile(day string) error {
	if l.file != nil && l.currentDay == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.dir, filePrefix+day+fileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", path, err)
	}
	l.file = f
	l.currentDay = day
	return nil
}

// Sweep deletes day files older than the retention window. Idempotent; a
// failure to delete one file does not abort the sweep.
func (l *Logger) Sweep() error {
	if !l.config.Enabled {
		return nil
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.config.clampRetention())

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read audit directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		dayStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		day, err := time.ParseInLocation(dayLayout, dayStr, time.UTC)
		if err != nil {
			continue
		}
		if day.Before(cutoff.Truncate(24 * time.Hour)) {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				l.logger.Warn("failed to delete expired audit file", "file", name, "error", err)
			}
		}
	}
	return nil
}

// StartSweeper runs Sweep immediately and then once per day until Close.
func (l *Logger) StartSweeper() {
	if !l.config.Enabled {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Sweep(); err != nil {
			l.logger.Warn("audit sweep failed", "error", err)
		}
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Sweep(); err != nil {
					l.logger.Warn("audit sweep failed", "error", err)
				}
			case <-l.sweepDone:
				return
			}
		}
	}()
}

// Close stops the sweeper and closes the current file handle.
func (l *Logger) Close() error {
	l.sweepOnce.Do(func() { close(l.sweepDone) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Dir returns the audit log directory.
func (l *Logger) Dir() string { return l.dir }
