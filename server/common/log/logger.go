package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogFilePath  = "./logs/fileman.log"
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
)

var (
	globalMu sync.RWMutex
	global   = newLoggerFromEnv()
)

func newLoggerFromEnv() *zap.Logger {
	path := strings.TrimSpace(os.Getenv(envLogFilePath))
	if path == "" {
		path = defaultLogFilePath
	}

	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}
	lv := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			lv = parsed
		}
	}

	fileCore := zapcore.NewCore(newEncoder(format, false), zapcore.AddSync(&rotatingFile{path: path, maxSizeBytes: maxSizeBytes}), lv)
	stdoutCore := zapcore.NewCore(newEncoder(format, true), zapcore.Lock(os.Stdout), lv)
	return zap.New(zapcore.NewTee(stdoutCore, fileCore), zap.AddCaller(), zap.AddCallerSkip(1))
}

func newEncoder(format string, color bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	if format == logFormatJSON {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// Replace swaps the process logger; tests use it to silence or capture output.
func Replace(l *zap.Logger) func() {
	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()
	return func() {
		globalMu.Lock()
		global = prev
		globalMu.Unlock()
	}
}

func current() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// With returns a structured logger carrying fields such as the blob id and operation.
func With(fields ...zap.Field) *zap.Logger {
	return current().WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

func Sync() {
	_ = current().Sync()
}

func Debugf(format string, args ...any) {
	current().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	current().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	current().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	current().Error(fmt.Sprintf(format, args...))
}

func Exceptionf(format string, args ...any) {
	current().Error(fmt.Sprintf(format, args...), zap.Bool("exception", true), zap.Stack("stack"))
}

// rotatingFile renames the active file aside once it would grow past maxSizeBytes.
type rotatingFile struct {
	mu           sync.Mutex
	path         string
	maxSizeBytes int64
	file         *os.File
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	if err := r.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	return r.file.Write(p)
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func (r *rotatingFile) rotateIfNeeded(incoming int64) error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incoming <= r.maxSizeBytes {
		return nil
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	rotated, err := nextRotatedPath(r.path, time.Now())
	if err != nil {
		return err
	}
	if err := os.Rename(r.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func nextRotatedPath(currentPath string, now time.Time) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	ts := now.Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, ts, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}
