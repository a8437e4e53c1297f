package ltm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const dateLayout = "2006-01-02"

// Memory is one long-term memory.
type Memory struct {
	ID      int64
	Date    time.Time
	Title   string
	Summary string
	Content string
	Labels  []string
}

// Ref returns the id as shown to the model, e.g. "M0007".
func (m Memory) Ref() string { return fmt.Sprintf("M%04d", m.ID) }

// String returns the one-line index entry of the memory.
func (m Memory) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ID: %s] %s: %s", m.Ref(), m.Title, m.Summary)
	for _, l := range m.Labels {
		b.WriteString(" #")
		b.WriteString(l)
	}
	return b.String()
}

// Store keeps memories in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens or creates the memory database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "ltm-store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			date       TEXT NOT NULL,
			title      TEXT NOT NULL,
			summary    TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			labels     TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Add stores m. A zero ID is assigned by the database; a set one is kept.
func (s *Store) Add(ctx context.Context, m Memory) (Memory, error) {
	if strings.TrimSpace(m.Title) == "" || strings.TrimSpace(m.Content) == "" {
		return Memory{}, errors.New("memory needs a title and content")
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return Memory{}, fmt.Errorf("encode labels: %w", err)
	}

	var id any
	if m.ID > 0 {
		id = m.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, date, title, summary, content, labels) VALUES (?, ?, ?, ?, ?, ?)`,
		id, m.Date.Format(dateLayout), m.Title, m.Summary, m.Content, string(labels))
	if err != nil {
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	if m.ID == 0 {
		if m.ID, err = res.LastInsertId(); err != nil {
			return Memory{}, fmt.Errorf("memory id: %w", err)
		}
	}
	return m, nil
}

// Get returns the memory with id.
func (s *Store) Get(ctx context.Context, id int64) (Memory, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, date, title, summary, content, labels FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, err
	}
	return m, true, nil
}

// All returns every memory ordered by id.
func (s *Store) All(ctx context.Context) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, title, summary, content, labels FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes the memory with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// jsonMemory is the record format of a JSON memory file.
type jsonMemory struct {
	ID      int64    `json:"id"`
	Date    string   `json:"date"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Content string   `json:"content"`
	Labels  []string `json:"labels"`
}

// ImportJSON loads the memories of a JSON file into an empty store. It
// returns how many were imported; a missing file or a non-empty store
// imports nothing.
func (s *Store) ImportJSON(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if n, err := s.Count(ctx); err != nil || n > 0 {
		return 0, err
	}

	var records []jsonMemory
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	imported := 0
	for _, r := range records {
		date, err := time.Parse(dateLayout, r.Date)
		if err != nil {
			s.logger.Warn("skipping memory with bad date", "id", r.ID, "date", r.Date)
			continue
		}
		if _, err := s.Add(ctx, Memory{
			ID: r.ID, Date: date, Title: r.Title, Summary: r.Summary, Content: r.Content, Labels: r.Labels,
		}); err != nil {
			s.logger.Warn("skipping memory", "id", r.ID, "error", err)
			continue
		}
		imported++
	}
	s.logger.Info("memories imported", "path", path, "count", imported)
	return imported, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner) (Memory, error) {
	var (
		m      Memory
		date   string
		labels string
	)
	if err := sc.Scan(&m.ID, &date, &m.Title, &m.Summary, &m.Content, &labels); err != nil {
		return Memory{}, err
	}
	if t, err := time.Parse(dateLayout, date); err == nil {
		m.Date = t
	}
	if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
		m.Labels = nil
	}
	return m, nil
}
