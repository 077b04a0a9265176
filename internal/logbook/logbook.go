// Package logbook keeps the human-readable session journal: one timestamped
// line per job transition, appended to .storyloom/logs/session.log.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the severity column of a journal line.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one parsed journal line.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
}

// String renders the entry in its on-disk form.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.Time.UTC().Format(time.RFC3339), e.Level, e.Message)
}

// parseEntry reverses String. Lines it cannot parse are kept whole as the
// message.
func parseEntry(line string) Entry {
	stamp, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Entry{Message: line}
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return Entry{Message: line}
	}
	level, message, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	return Entry{Time: ts, Level: Level(level), Message: strings.TrimLeft(message, " ")}
}

// Logbook appends entries to a text file. A nil *Logbook discards writes and
// reads as empty, so callers never need to check for it.
type Logbook struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// New prepares a journal at path, creating its directory.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure %s: %w", filepath.Dir(path), err)
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// SetClock replaces the timestamp source.
func (l *Logbook) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.mu.Lock()
	l.clock = clock
	l.mu.Unlock()
}

// Path is the journal file.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry. Whitespace runs in message, newlines included,
// collapse to single spaces. Write errors are ignored.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := Entry{Time: l.clock(), Level: level, Message: strings.Join(strings.Fields(message), " ")}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(entry.String() + "\n")
	_ = f.Close()
}

func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Recent returns the last n entries, oldest first, and the number of entries
// in the journal. n <= 0 returns only the count.
func (l *Logbook) Recent(n int) ([]Entry, int) {
	if l == nil {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	// Ring of the last n lines so long journals are not held in memory.
	var ring []string
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		total++
		if n <= 0 {
			continue
		}
		if len(ring) < n {
			ring = append(ring, scanner.Text())
		} else {
			ring[(total-1)%n] = scanner.Text()
		}
	}
	if len(ring) == 0 {
		return nil, total
	}
	out := make([]Entry, 0, len(ring))
	start := 0
	if total > n {
		start = total % n
	}
	for i := range ring {
		out = append(out, parseEntry(ring[(start+i)%len(ring)]))
	}
	return out, total
}
