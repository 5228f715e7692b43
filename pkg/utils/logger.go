package utils

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level        string `mapstructure:"level" yaml:"level"`
	Format       string `mapstructure:"format" yaml:"format"`
	Output       string `mapstructure:"output" yaml:"output"` // console, file or both
	FileLocation string `mapstructure:"file" yaml:"file"`
	MaxSize      int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups   int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge       int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress     bool   `mapstructure:"compress" yaml:"compress"`
}

type Logger struct {
	*logrus.Logger
	config   LogConfig
	mu       sync.Mutex
	fileSink *lumberjack.Logger
}

func NewLogger(config LogConfig, service, version string) (*Logger, error) {
	l := &Logger{
		Logger: logrus.New(),
		config: normalizeLogConfig(config),
	}

	level, err := logrus.ParseLevel(l.config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch l.config.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
			DisableColors:   l.config.Output != "console",
		})
	}

	if err := l.setOutput(); err != nil {
		return nil, err
	}

	if l.IsLevelEnabled(logrus.DebugLevel) {
		l.AddHook(&CallerHook{})
	}
	l.AddHook(&ServiceHook{
		Service:  service,
		Version:  version,
		Hostname: hostname(),
	})

	return l, nil
}

func normalizeLogConfig(c LogConfig) LogConfig {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "text"
	}
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output == "" {
		c.Output = "both"
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 50
	}
	return c
}

func (l *Logger) setOutput() error {
	var writers []io.Writer

	wantFile := l.config.Output == "file" || l.config.Output == "both"
	if wantFile && l.config.FileLocation != "" {
		if err := os.MkdirAll(filepath.Dir(l.config.FileLocation), 0o755); err != nil {
			return err
		}
		// lumberjack opens in append mode; rotated files are never rewritten.
		l.fileSink = &lumberjack.Logger{
			Filename:   l.config.FileLocation,
			MaxSize:    l.config.MaxSize,
			MaxBackups: l.config.MaxBackups,
			MaxAge:     l.config.MaxAge,
			Compress:   l.config.Compress,
		}
		writers = append(writers, l.fileSink)
	}

	if l.config.Output == "console" || l.config.Output == "both" || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	l.SetOutput(io.MultiWriter(writers...))
	return nil
}

func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileSink == nil {
		return nil
	}
	return l.fileSink.Rotate()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileSink == nil {
		return nil
	}
	err := l.fileSink.Close()
	l.fileSink = nil
	return err
}

type CallerHook struct{}

func (h *CallerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *CallerHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["caller"]; ok {
		return nil
	}
	for i := 4; i < 24; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fnName := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			fnName = fn.Name()
		}
		if strings.Contains(file, "/sirupsen/logrus") || strings.Contains(file, "/pkg/utils/logger.go") {
			continue
		}
		entry.Data["caller"] = shortFunc(fnName) + ":" + filepath.Base(file) + ":" + strconv.Itoa(line)
		break
	}
	return nil
}

func shortFunc(full string) string {
	if idx := strings.LastIndex(full, "/"); idx >= 0 && idx+1 < len(full) {
		return full[idx+1:]
	}
	return full
}

type ServiceHook struct {
	Service  string
	Version  string
	Hostname string
}

func (h *ServiceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *ServiceHook) Fire(entry *logrus.Entry) error {
	entry.Data["service"] = h.Service
	entry.Data["version"] = h.Version
	entry.Data["hostname"] = h.Hostname
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// DefaultLogger is used when the configured logger cannot be built.
func DefaultLogger() *Logger {
	cfg := LogConfig{
		Level:        "info",
		Format:       "text",
		Output:       "both",
		FileLocation: filepath.Join("logs", "icarus.log"),
		MaxSize:      50,
		MaxBackups:   5,
		MaxAge:       30,
		Compress:     true,
	}
	logger, err := NewLogger(cfg, "icarus", "dev")
	if err != nil {
		fb := logrus.New()
		fb.SetOutput(os.Stderr)
		return &Logger{Logger: fb}
	}
	return logger
}
