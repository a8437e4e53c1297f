package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

const defaultSessionsDir = "./data/sessions"

// PersistenceError is a failed write to a session log. It is fatal to the
// turn that caused it.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session log %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store maps session dates to JSONL log files named
// <assistant-id>-<YYYY-MM-DD>.jsonl.
type Store struct {
	dir         string
	assistantID string
	logger      *slog.Logger

	fileMu map[string]*sync.Mutex
	mapMu  sync.Mutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir, assistantID string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		dir = defaultSessionsDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	if assistantID == "" {
		return nil, errors.New("assistant id is required")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir %q: %w", dir, err)
	}

	return &Store{
		dir:         dir,
		assistantID: assistantID,
		logger:      logger.With("component", "session-store"),
		fileMu:      make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the log path for a date.
func (s *Store) Path(date time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.jsonl", s.assistantID, date.Format(DateLayout)))
}

// Exists reports whether a log exists for the date.
func (s *Store) Exists(date time.Time) bool {
	info, err := os.Stat(s.Path(date))
	return err == nil && !info.IsDir()
}

// Dates lists the dates that have a log, oldest first.
func (s *Store) Dates(loc *time.Location) ([]time.Time, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	prefix := s.assistantID + "-"
	var dates []time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl")
		date, err := time.ParseInLocation(DateLayout, raw, loc)
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	return dates, nil
}

func (s *Store) fileMuFor(path string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if m, ok := s.fileMu[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.fileMu[path] = m
	return m
}

// Read loads every message of a log. Invalid lines are skipped with a
// warning. The second result is the file's modification time.
func (s *Store) Read(date time.Time) ([]message.Message, time.Time, error) {
	path := s.Path(date)
	mu := s.fileMuFor(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat session log: %w", err)
	}

	var msgs []message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := message.Parse([]byte(line))
		if err != nil {
			s.logger.Warn("skip invalid jsonl line", "path", path, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("scan jsonl: %w", err)
	}
	return msgs, info.ModTime(), nil
}

// Append writes one line per message and syncs the file.
func (s *Store) Append(date time.Time, msgs ...message.Message) error {
	path := s.Path(date)
	mu := s.fileMuFor(path)
	mu.Lock()
	defer mu.Unlock()

	data, err := encodeLines(msgs)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return &PersistenceError{Op: "open", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// Rewrite replaces the whole log atomically via a temp file and rename.
func (s *Store) Rewrite(date time.Time, msgs []message.Message) error {
	path := s.Path(date)
	mu := s.fileMuFor(path)
	mu.Lock()
	defer mu.Unlock()

	data, err := encodeLines(msgs)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func encodeLines(msgs []message.Message) ([]byte, error) {
	var buf []byte
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
