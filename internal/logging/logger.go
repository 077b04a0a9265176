package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/kingrea/storyloom/internal/config"
	"github.com/kingrea/storyloom/internal/telemetry"
)

// FileName is the application log inside .storyloom/logs.
const FileName = "storyloom.log"

// Logger appends structured records to .storyloom/logs/storyloom.log so users
// can inspect failures after the chat session closes.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Open creates (or reuses) the log file for the project directory.
func Open(projectDir, level, format string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.ProjectDirName, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{
		Logger: slog.New(telemetry.NewSlogHandler(f, level, format)),
		file:   f,
	}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single info record; it satisfies the narrow Printf logger
// interfaces used by the event bridge.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// NewCommandLogger logs to stderr: text when stderr is a terminal, JSON when
// it is piped or redirected.
func NewCommandLogger(level string) *slog.Logger {
	format := "json"
	if term.IsTerminal(int(os.Stderr.Fd())) {
		format = "text"
	}
	return slog.New(telemetry.NewSlogHandler(os.Stderr, level, format))
}
