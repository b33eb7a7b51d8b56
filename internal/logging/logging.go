package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Config controls the daemon's log output.
type Config struct {
	// Level is the minimum level to emit (debug, info, warn, error).
	Level string `yaml:"level"`
	// File, when set, duplicates log output into the given file.
	File string `yaml:"file"`
}

var (
	mu   sync.Mutex
	root = logrus.New()
)

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(defaultFormatter())
}

func defaultFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   !isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// Setup applies the configuration to the process-wide logger. It is called
// once at startup, before any component logger is handed out.
func Setup(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q", cfg.Level)
		}
		level = parsed
	}
	root.SetLevel(level)

	writers := []io.Writer{os.Stderr}
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
	}
	if len(writers) == 1 {
		root.SetOutput(writers[0])
	} else {
		root.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}

// SetOutput redirects all log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root.SetOutput(w)
}

// NewLogger returns a logger tagged with the given component name.
func NewLogger(component string) *logrus.Entry {
	return root.WithField("component", component)
}
