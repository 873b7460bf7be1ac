package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FilePrefix names every log file: career-agent-YYYY-MM-DD.log.
const FilePrefix = "career-agent-"

const (
	DefaultKeepDays = 7
	dayLayout       = "2006-01-02"
)

// DailyRotator appends to one file per calendar day and keeps the newest
// keepDays files.
type DailyRotator struct {
	mu       sync.Mutex
	dir      string
	keepDays int
	now      func() time.Time

	day  string
	file *os.File
}

func NewDailyRotator(dir string, keepDays int) *DailyRotator {
	if keepDays <= 0 {
		keepDays = DefaultKeepDays
	}
	return &DailyRotator{dir: dir, keepDays: keepDays, now: time.Now}
}

// SetNow replaces the clock. Tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	r.now = fn
	r.mu.Unlock()
}

// Path returns the file the next write goes to.
func (r *DailyRotator) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pathFor(r.now().Format(dayLayout))
}

func (r *DailyRotator) pathFor(day string) string {
	return filepath.Join(r.dir, FilePrefix+day+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if day := r.now().Format(dayLayout); day != r.day || r.file == nil {
		if err := r.openDay(day); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) openDay(day string) error {
	f, err := os.OpenFile(r.pathFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.day = f, day
	r.removeExpired()
	return nil
}

// removeExpired relies on the date stamp sorting lexically.
func (r *DailyRotator) removeExpired() {
	files, err := filepath.Glob(filepath.Join(r.dir, FilePrefix+"*.log"))
	if err != nil || len(files) <= r.keepDays {
		return
	}
	slices.Sort(files)
	for _, name := range files[:len(files)-r.keepDays] {
		os.Remove(name)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text" (default) or "json".
	Format   string
	KeepDays int
	// Stderr, when set, receives a copy of every line.
	Stderr io.Writer
}

// Init installs a logger writing to a daily file in cfg.LogDir and makes it
// the slog and stdlib log default. The caller closes the returned io.Closer.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.LogDir, cfg.KeepDays)

	var out io.Writer = rotator
	if cfg.Stderr != nil {
		out = io.MultiWriter(rotator, cfg.Stderr)
	}

	logger := slog.New(NewHandler(out, cfg.Format, ParseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// NewHandler builds the slog handler for format at level.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a config string to a level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
