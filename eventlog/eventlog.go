// Package eventlog persists the append-only journal of shared context
// mutations as JSON lines. The active log is capped; overflow rotates into
// dated archive files so the full history stays replayable while the hot
// file stays small enough to scan on every sync tick.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/sharedctx"
)

const (
	activeName    = "events.log"
	lockName      = "events.lock"
	archivePrefix = "events_archive_"
)

// maxLineBytes bounds a single serialized event when scanning.
const maxLineBytes = 1 << 20

// Log is a multi-process safe JSONL event journal. Appends and rotations
// hold an exclusive file lock; readers take a shared lock, so a reader never
// observes a half-rotated log. The mutex serializes goroutines sharing this
// instance, which the advisory file lock alone does not.
type Log struct {
	dir       string
	maxEvents int

	mu   sync.RWMutex
	lock *flock.Flock
}

var _ sharedctx.Journal = (*Log)(nil)

// New opens (creating if needed) the event log in dir. maxEvents caps the
// active file; archives are unbounded.
func New(dir string, maxEvents int) (*Log, error) {
	if maxEvents < 1 {
		maxEvents = 1000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	return &Log{
		dir:       dir,
		maxEvents: maxEvents,
		lock:      flock.New(filepath.Join(dir, lockName)),
	}, nil
}

func (l *Log) activePath() string {
	return filepath.Join(l.dir, activeName)
}

func (l *Log) archivePath(day time.Time) string {
	return filepath.Join(l.dir, archivePrefix+day.Format("2006-01-02")+".log")
}

// Append writes one event and rotates if the active file exceeded its cap.
// Events missing an id or timestamp are stamped here so direct callers can
// journal without duplicating the store's bookkeeping.
func (l *Log) Append(event sharedctx.ContextEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock event log: %w", err)
	}
	defer l.unlock()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}

	return l.rotateLocked()
}

// Rotate moves overflow beyond the cap into today's archive file.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock event log: %w", err)
	}
	defer l.unlock()
	return l.rotateLocked()
}

// rotateLocked requires the exclusive lock. Raw lines move wholesale, valid
// or not, so rotation never drops bytes it cannot parse.
func (l *Log) rotateLocked() error {
	lines, err := readRawLines(l.activePath())
	if err != nil {
		return err
	}
	if len(lines) <= l.maxEvents {
		return nil
	}

	overflow := lines[:len(lines)-l.maxEvents]
	keep := lines[len(lines)-l.maxEvents:]

	archive := l.archivePath(time.Now())
	af, err := os.OpenFile(archive, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	for _, line := range overflow {
		if _, err := af.Write(append(line, '\n')); err != nil {
			af.Close()
			return fmt.Errorf("failed to archive events: %w", err)
		}
	}
	if err := af.Sync(); err != nil {
		af.Close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := af.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range keep {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := config.AtomicWriteFile(l.activePath(), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to rewrite event log: %w", err)
	}

	log.InfoLog.Printf("event log rotated: %d events archived to %s, %d retained", len(overflow), filepath.Base(archive), len(keep))
	return nil
}

// ReadSince returns every event with Timestamp >= since, ordered by
// (timestamp, event id). The cursor is inclusive so same-nanosecond events
// are never skipped; callers dedupe replays by event id. Archives are only
// scanned when the active file cannot prove it covers the cursor.
func (l *Log) ReadSince(since int64) ([]sharedctx.ContextEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock event log: %w", err)
	}
	defer l.unlock()

	active, err := parseEvents(l.activePath())
	if err != nil {
		return nil, err
	}

	needArchives := len(active) == 0
	if !needArchives {
		oldest := active[0].Timestamp
		for _, e := range active[1:] {
			if e.Timestamp < oldest {
				oldest = e.Timestamp
			}
		}
		needArchives = oldest >= since
	}

	events := make([]sharedctx.ContextEvent, 0, len(active))
	if needArchives {
		archives, err := l.archiveFiles()
		if err != nil {
			return nil, err
		}
		for _, path := range archives {
			archived, err := parseEvents(path)
			if err != nil {
				return nil, err
			}
			events = append(events, archived...)
		}
	}
	events = append(events, active...)

	out := make([]sharedctx.ContextEvent, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if e.Timestamp < since || seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// archiveFiles lists archive paths in date order.
func (l *Log) archiveFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, archivePrefix+"*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (l *Log) unlock() {
	if err := l.lock.Unlock(); err != nil {
		log.ErrorLog.Printf("failed to unlock event log: %v", err)
	}
}

func readRawLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return lines, nil
}

func parseEvents(path string) ([]sharedctx.ContextEvent, error) {
	lines, err := readRawLines(path)
	if err != nil {
		return nil, err
	}

	events := make([]sharedctx.ContextEvent, 0, len(lines))
	corrupt := 0
	for _, line := range lines {
		var e sharedctx.ContextEvent
		if err := json.Unmarshal(line, &e); err != nil {
			corrupt++
			continue
		}
		events = append(events, e)
	}
	if corrupt > 0 {
		log.WarningLog.Printf("%s: skipped %d unparseable event lines", filepath.Base(path), corrupt)
	}
	return events, nil
}
