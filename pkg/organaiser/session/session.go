// Package session holds the conversation of one assistant day: an in-memory
// history mirrored to an append-only JSONL log, serialized turns against the
// model, and summarization of older history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
)

// ErrNotFound is returned when no session log or message matches.
var ErrNotFound = errors.New("not found")

// Querier runs model queries.
type Querier interface {
	Query(ctx context.Context, msgs []message.Message, system string, opts model.QueryOptions) (*model.Result, error)
}

// Composer contributes plugin text to the system prompt and runs work that
// must happen before every main query.
type Composer interface {
	// StaticPrompt is computed once per session.
	StaticPrompt(s *Session) string
	// DynamicPrompt is recomputed every turn.
	DynamicPrompt(ctx context.Context, s *Session) string
	BeforeQuery(ctx context.Context, s *Session) error
}

// Settings are the per-assistant session parameters.
type Settings struct {
	Boundary Boundary

	// SummariseThreshold is the number of messages since the last summary
	// that triggers summarization. Zero or less disables it.
	SummariseThreshold int
	// UnsummarisedMessages is how many recent messages are always kept
	// verbatim.
	UnsummarisedMessages int
	SummaryPrompt        string
	// FormatPrompt describes the reply JSON format.
	FormatPrompt string
}

// Options wires a session to its collaborators.
type Options struct {
	Settings Settings
	Querier  Querier
	Composer Composer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session is the conversation of one date.
type Session struct {
	date     time.Time
	settings Settings
	store    *Store
	querier  Querier
	composer Composer
	logger   *slog.Logger
	now      func() time.Time

	// turnMu serializes turns and every history mutation.
	turnMu sync.Mutex

	// mu guards the fields below for readers that must not wait on a turn.
	mu           sync.RWMutex
	history      []message.Message
	lastActivity time.Time
	activity     chan struct{}

	staticOnce   sync.Once
	staticPrompt string
}

func newSession(store *Store, date time.Time, history []message.Message, lastActivity time.Time, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		date:         date,
		settings:     opts.Settings,
		store:        store,
		querier:      opts.Querier,
		composer:     opts.Composer,
		logger:       logger.With("component", "session", "session", date.Format(DateLayout)),
		now:          now,
		history:      history,
		lastActivity: lastActivity,
		activity:     make(chan struct{}),
	}
}

// Load opens the existing log for date.
func Load(store *Store, date time.Time, opts Options) (*Session, error) {
	msgs, modTime, err := store.Read(date)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", date.Format(DateLayout), ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", date.Format(DateLayout), err)
	}
	if len(msgs) == 0 || msgs[0].Role != message.RoleSystem {
		return nil, fmt.Errorf("load session %s: log does not start with a system message", date.Format(DateLayout))
	}
	return newSession(store, date, msgs, modTime, opts), nil
}

// Create starts a new log for date with the given system prompt.
func Create(store *Store, date time.Time, systemPrompt string, opts Options) (*Session, error) {
	if store.Exists(date) {
		return nil, fmt.Errorf("session %s already exists", date.Format(DateLayout))
	}
	s := newSession(store, date, nil, time.Time{}, opts)
	sys := message.System(systemPrompt)
	ts := s.now()
	sys.Timestamp = &ts

	if err := store.Append(date, sys); err != nil {
		return nil, err
	}
	s.history = []message.Message{sys}
	s.lastActivity = ts
	return s, nil
}

// FindBefore loads the most recent session strictly before date, searching
// back at most limit days. It returns ErrNotFound if there is none.
func FindBefore(store *Store, date time.Time, limit int, opts Options) (*Session, error) {
	for i := 1; i <= limit; i++ {
		d := date.AddDate(0, 0, -i)
		if store.Exists(d) {
			return Load(store, d, opts)
		}
	}
	return nil, ErrNotFound
}

// Date returns the session's date.
func (s *Session) Date() time.Time { return s.date }

// NextRollover returns the instant this session ends.
func (s *Session) NextRollover() time.Time {
	return s.settings.Boundary.NextRollover(s.date)
}

// Settings returns the session settings.
func (s *Session) Settings() Settings { return s.settings }

// History returns a copy of the message history.
func (s *Session) History() []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return message.CloneAll(s.history)
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// SystemPrompt returns the base system prompt (history[0]).
func (s *Session) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[0].Content
}

// LastActivity returns the time of the last user message.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Activity returns a channel that is closed when the next user message is
// appended.
func (s *Session) Activity() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}

// LastAssistantMessage returns the most recent assistant message.
func (s *Session) LastAssistantMessage() (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Role == message.RoleAssistant {
			return s.history[i].Clone(), true
		}
	}
	return message.Message{}, false
}

// LastAssistantResponse returns the most recent assistant reply that decodes
// as a JSON object. Summary markers and plain-text replies are skipped.
func (s *Session) LastAssistantResponse() (*response.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		m := s.history[i]
		if m.Role != message.RoleAssistant || m.IsSummary() {
			continue
		}
		if resp, err := response.Parse(s, m.Content, s.logger); err == nil {
			return resp, true
		}
	}
	return nil, false
}

// FindMessage returns the message with the given external id.
func (s *Session) FindMessage(id string) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.history[i].Clone(), true
	}
	return message.Message{}, false
}

// LastMessageWithID returns the most recent message carrying an external id.
func (s *Session) LastMessageWithID() (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID != "" {
			return s.history[i].Clone(), true
		}
	}
	return message.Message{}, false
}

func (s *Session) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return i
		}
	}
	return -1
}

// AppendMessages stamps, appends and persists messages. A user message wakes
// Activity waiters.
func (s *Session) AppendMessages(ctx context.Context, msgs ...message.Message) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.appendLocked(msgs...)
}

func (s *Session) appendLocked(msgs ...message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	now := s.now()
	stamped := make([]message.Message, len(msgs))
	user := false
	for i, m := range msgs {
		m = m.Clone()
		if m.Timestamp == nil {
			ts := now
			m.Timestamp = &ts
		}
		if m.Role == message.RoleSystem {
			return fmt.Errorf("cannot append a system message to session %s", s.date.Format(DateLayout))
		}
		if m.Role == message.RoleUser {
			user = true
		}
		stamped[i] = m
	}

	if err := s.store.Append(s.date, stamped...); err != nil {
		return err
	}

	s.mu.Lock()
	s.history = append(s.history, stamped...)
	if user {
		s.lastActivity = now
		close(s.activity)
		s.activity = make(chan struct{})
	}
	s.mu.Unlock()
	return nil
}

// Chat runs one turn: summarize if needed, append msg, query the model with
// the composed system prompt, append and persist the reply.
func (s *Session) Chat(ctx context.Context, msg message.Message) (*response.Response, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if s.shouldSummarise() {
		if err := s.createSummaryLocked(ctx); err != nil {
			var pe *PersistenceError
			if errors.As(err, &pe) {
				return nil, err
			}
			s.logger.Error("summarization failed, continuing without", "error", err)
		}
	}

	if msg.Role == "" {
		msg.Role = message.RoleUser
	}
	if err := s.appendLocked(msg); err != nil {
		return nil, err
	}
	return s.replyLocked(ctx)
}

// Retry queries the model again for the current history, for use after a
// turn failed with an invalid model response.
func (s *Session) Retry(ctx context.Context) (*response.Response, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.RLock()
	last := s.history[len(s.history)-1].Role
	s.mu.RUnlock()
	if last == message.RoleAssistant {
		return nil, errors.New("nothing to retry: last message is already a reply")
	}
	return s.replyLocked(ctx)
}

func (s *Session) replyLocked(ctx context.Context) (*response.Response, error) {
	if s.composer != nil {
		if err := s.composer.BeforeQuery(ctx, s); err != nil {
			s.logger.Warn("pre-query hooks failed", "error", err)
		}
	}

	system := s.composeSystemPrompt(ctx)
	s.mu.RLock()
	msgs := message.CloneAll(s.history[1:])
	s.mu.RUnlock()

	res, err := s.querier.Query(ctx, msgs, system, model.QueryOptions{Shape: model.Object})
	if err != nil {
		return nil, err
	}

	if err := s.appendLocked(message.Assistant(res.Text)); err != nil {
		return nil, err
	}
	resp := response.New(s, res.Object(), res.Text, s.logger)
	resp.Activity = s.Activity()
	return resp, nil
}

// StaticPrompt returns the plugin text fixed for this session's lifetime.
func (s *Session) StaticPrompt() string {
	s.staticOnce.Do(func() {
		if s.composer != nil {
			s.staticPrompt = s.composer.StaticPrompt(s)
		}
	})
	return s.staticPrompt
}

func (s *Session) composeSystemPrompt(ctx context.Context) string {
	parts := []string{s.SystemPrompt()}
	if s.composer != nil {
		if dynamic := s.composer.DynamicPrompt(ctx, s); dynamic != "" {
			parts = append(parts, dynamic)
		}
	}
	if s.settings.FormatPrompt != "" {
		parts = append(parts, s.settings.FormatPrompt)
	}
	if static := s.StaticPrompt(); static != "" {
		parts = append(parts, static)
	}
	return joinPrompt(parts)
}

// IsolatedOptions configures an IsolatedQuery.
type IsolatedOptions struct {
	FormatPrompt string
	Shape        model.Shape
	Validate     model.Validator
	// Attachments are sent with the query.
	Attachments []message.Attachment
	// Querier overrides the session's querier, e.g. to use a cheaper model.
	Querier Querier
}

// IsolatedQuery asks the model a question in the context of this session
// without recording anything.
func (s *Session) IsolatedQuery(ctx context.Context, query string, opts IsolatedOptions) (*model.Result, error) {
	s.mu.RLock()
	system := s.history[0].Content
	msgs := message.CloneAll(s.history[1:])
	s.mu.RUnlock()

	if opts.FormatPrompt != "" {
		system = joinPrompt([]string{system, opts.FormatPrompt})
	}
	q := message.User(query)
	q.Attachments = opts.Attachments
	msgs = append(msgs, q)

	querier := s.querier
	if opts.Querier != nil {
		querier = opts.Querier
	}
	res, err := querier.Query(ctx, msgs, system, model.QueryOptions{Shape: opts.Shape, Validate: opts.Validate})
	if err != nil {
		return nil, fmt.Errorf("isolated query: %w", err)
	}
	return res, nil
}

// EditMessage changes the content of the message with the given external
// id and, when keepAttachments is non-nil, drops attachments whose id is not
// listed. The log is rewritten.
func (s *Session) EditMessage(ctx context.Context, id string, content *string, keepAttachments []string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.RLock()
	i := s.indexOf(id)
	if i <= 0 {
		s.mu.RUnlock()
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	updated := message.CloneAll(s.history)
	if content != nil {
		updated[i].Content = *content
	}
	if keepAttachments != nil {
		updated[i].Attachments = slices.DeleteFunc(updated[i].Attachments, func(a message.Attachment) bool {
			return a.ID != "" && !slices.Contains(keepAttachments, a.ID)
		})
	}
	s.mu.RUnlock()

	return s.rewriteLocked(updated)
}

// DeleteMessage removes the message with the given external id. The system
// message can never be removed.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.RLock()
	i := s.indexOf(id)
	if i <= 0 {
		s.mu.RUnlock()
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	updated := slices.Delete(message.CloneAll(s.history), i, i+1)
	s.mu.RUnlock()

	return s.rewriteLocked(updated)
}

// rewriteLocked persists a full replacement history, then swaps it in.
func (s *Session) rewriteLocked(history []message.Message) error {
	if len(history) == 0 || history[0].Role != message.RoleSystem {
		return errors.New("history must start with the system message")
	}
	if err := s.store.Rewrite(s.date, history); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	return nil
}

func joinPrompt(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
