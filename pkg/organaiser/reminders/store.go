package reminders

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists reminders as a JSON array.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// stamp identifies a version of the file. The zero stamp is a missing file.
type stamp struct {
	mod  time.Time
	size int64
}

// NewFileStore returns a store backed by path. The file is created on the
// first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads every stored reminder. A missing file is an empty list.
// Reminders without an id get one.
func (s *FileStore) Load() ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reminders: %w", err)
	}
	return Decode(data)
}

// Raw returns the stored JSON as is, or "[]" when nothing is stored.
func (s *FileStore) Raw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte("[]\n"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reminders: %w", err)
	}
	return data, nil
}

// Save replaces the stored list atomically.
func (s *FileStore) Save(list []Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if list == nil {
		list = []Reminder{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create reminders dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write reminders: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename reminders: %w", err)
	}
	return nil
}

func (s *FileStore) version() stamp {
	fi, err := os.Stat(s.path)
	if err != nil {
		return stamp{}
	}
	return stamp{mod: fi.ModTime(), size: fi.Size()}
}

// Decode parses a JSON array of reminders, assigning ids where missing and
// validating intervals.
func Decode(data []byte) ([]Reminder, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var list []Reminder
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	for i := range list {
		if list[i].ID == "" {
			list[i].ID = uuid.NewString()
		}
		if list[i].Repeat {
			iv, err := ParseInterval(string(list[i].RepeatInterval))
			if err != nil {
				return nil, fmt.Errorf("reminder %q: %w", list[i].Text, err)
			}
			list[i].RepeatInterval = iv
		}
	}
	return list, nil
}

// Dedupe drops later entries that duplicate an earlier (time, text, repeat)
// triple. It returns the kept list and the number removed.
func Dedupe(list []Reminder) ([]Reminder, int) {
	kept := make([]Reminder, 0, len(list))
	removed := 0
outer:
	for _, r := range list {
		for _, k := range kept {
			if k.SameAs(r) {
				removed++
				continue outer
			}
		}
		kept = append(kept, r)
	}
	return kept, removed
}
