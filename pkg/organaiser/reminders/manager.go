package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// Reply keys handled by the reminders action.
const (
	KeyTime           = "timed_reminder_time"
	KeyText           = "timed_reminder_text"
	KeyRepeat         = "timed_reminder_repeat"
	KeyRepeatInterval = "timed_reminder_repeat_interval"
)

const (
	// PinnedHeader starts the pinned reminder list.
	PinnedHeader = "## Current Reminders"

	// FirePrefix starts the turn injected when a reminder goes off.
	FirePrefix = "SYSTEM: Reminder from your past self now going off: "

	pinnedLimit = 2000
)

const staticPrompt = `It may optionally contain a key "timed_reminder_time", containing a datetime in the format "YYYY-MM-DD HH:MM:SS" at which you will be reminded to take an action by the SYSTEM. Be careful not to create timed reminders that already exist above. If you do specify this, you should also specify a key "timed_reminder_text", containing a string that will be used as the message to remind you of something. It may optionally contain a key "timed_reminder_repeat", which will be a boolean value that indicates whether you should be reminded repeatedly. If you include this key, you should also include a key "timed_reminder_repeat_interval", which will be a string value that indicates how often to repeat the reminder, which should be one of "day", "week", "fortnight", "month", "quarter" or "year".`

// RespondFunc delivers a system-authored turn to the assistant.
type RespondFunc func(ctx context.Context, text string) error

type entry struct {
	Reminder

	// active is set while a timer is armed for the current Time. Firing
	// clears it before anything else, so a reminder armed by two sessions
	// goes off once.
	active bool
	task   *scheduler.Task
}

// Manager owns the reminder list. It is installed as a plugin.
type Manager struct {
	store  *FileStore
	loc    *time.Location
	logger *slog.Logger
	reg    *plugin.Registrar

	mu      sync.Mutex
	entries []*entry
	respond RespondFunc
	// horizon is the latest rollover seen; only reminders before it are
	// armed.
	horizon time.Time
	// seen is the file version last read or written by the manager.
	seen stamp
}

var _ plugin.Plugin = (*Manager)(nil)

// NewManager creates a Manager persisting to store. Naive times given by
// the model are interpreted in loc.
func NewManager(store *FileStore, loc *time.Location, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Manager{
		store:  store,
		loc:    loc,
		logger: logger.With("component", "reminders"),
	}
}

// Name implements plugin.Plugin.
func (m *Manager) Name() string { return "reminders" }

// Register implements plugin.Plugin.
func (m *Manager) Register(r *plugin.Registrar) error {
	m.reg = r

	r.Hook(plugin.EventInit, func(ctx context.Context, _ plugin.HookPayload) error {
		return m.Load(ctx)
	})
	r.Hook(plugin.EventSessionLoad, func(ctx context.Context, p plugin.HookPayload) error {
		m.mu.Lock()
		changed := m.store.version() != m.seen
		m.mu.Unlock()
		if err := m.Load(ctx); err != nil {
			return err
		}
		if p.Session != nil {
			m.Arm(p.Session.NextRollover())
		}
		if changed {
			m.refreshPinned(ctx)
		}
		return nil
	})
	r.StaticPrompt(func(*session.Session) string { return staticPrompt })
	r.DynamicPrompt(func(context.Context, *session.Session) string { return m.DynamicPrompt() })
	r.Pinned(PinnedHeader, func(context.Context) (string, error) { return m.PinnedList(), nil })

	return r.Action("timed_reminder", []string{KeyTime, KeyText, KeyRepeat, KeyRepeatInterval}, m.onAction)
}

// SetResponder sets where fired reminders are delivered.
func (m *Manager) SetResponder(fn RespondFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

func (m *Manager) now() time.Time {
	if m.reg != nil {
		return m.reg.Now()
	}
	return time.Now()
}

// Load replaces the in-memory list with the stored one, dropping
// duplicates. Timers of reminders whose time is unchanged stay armed; the
// rest are cancelled.
func (m *Manager) Load(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() error {
	seen := m.store.version()
	list, err := m.store.Load()
	if err != nil {
		return err
	}
	m.seen = seen
	list, removed := Dedupe(list)

	prev := make(map[string]*entry, len(m.entries))
	for _, e := range m.entries {
		prev[e.ID] = e
	}
	entries := make([]*entry, 0, len(list))
	for _, r := range list {
		e := &entry{Reminder: r}
		if old, ok := prev[r.ID]; ok && old.active && old.Time.Equal(r.Time) {
			e.active, e.task = true, old.task
			delete(prev, r.ID)
		}
		entries = append(entries, e)
	}
	for _, old := range prev {
		if old.task != nil {
			old.task.Cancel()
		}
	}
	m.entries = entries

	if removed > 0 {
		m.logger.Info("removed duplicate reminders", "count", removed)
		if err := m.saveLocked(); err != nil {
			return err
		}
	}
	m.armLocked()
	return nil
}

// syncLocked reloads the list when the file was edited by hand since it was
// last read or written. An unreadable file keeps the in-memory list, which
// the next save writes back.
func (m *Manager) syncLocked() {
	if m.store.version() == m.seen {
		return
	}
	m.logger.Info("reminder file changed on disk, reloading", "path", m.store.Path())
	if err := m.loadLocked(); err != nil {
		m.logger.Warn("edited reminder file is invalid, keeping current reminders", "error", err)
	}
}

// Arm schedules every inactive reminder due before until. Later reminders
// wait for a session whose rollover is past them.
func (m *Manager) Arm(until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.horizon) {
		m.horizon = until
	}
	m.armLocked()
}

func (m *Manager) armLocked() {
	if m.reg == nil {
		return
	}
	for _, e := range m.entries {
		if e.active || !e.Time.Before(m.horizon) {
			continue
		}
		e.active = true
		id, at := e.ID, e.Time
		// Delivery runs a full turn and may wait for the user to retry it.
		e.task = m.reg.Schedule(at, "reminder "+id, func(ctx context.Context) error {
			return m.fire(ctx, id, at)
		}, scheduler.WithTimeout(0))
		m.logger.Info("reminder armed", "id", id, "at", at.Format(time.RFC3339), "text", e.Text)
	}
}

// Add stores r unless its (time, text, repeat) triple already exists. It
// reports whether r was added; the returned reminder carries the assigned
// id, or the existing one's.
func (m *Manager) Add(ctx context.Context, r Reminder) (Reminder, bool, error) {
	m.mu.Lock()
	m.syncLocked()
	for _, e := range m.entries {
		if e.SameAs(r) {
			m.mu.Unlock()
			return e.Reminder, false, nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.entries = append(m.entries, &entry{Reminder: r})
	if err := m.saveLocked(); err != nil {
		m.entries = m.entries[:len(m.entries)-1]
		m.mu.Unlock()
		return r, false, err
	}
	m.armLocked()
	m.mu.Unlock()

	m.refreshPinned(ctx)
	return r, true, nil
}

// Remove deletes the reminder with id and cancels its timer.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.syncLocked()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return false, nil
	}
	if t := m.entries[i].task; t != nil {
		t.Cancel()
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return true, err
	}

	m.refreshPinned(ctx)
	return true, nil
}

// List returns every reminder ordered by time.
func (m *Manager) List() []Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

// Active reports whether the reminder with id has an armed timer.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(id); i >= 0 {
		return m.entries[i].active
	}
	return false
}

func (m *Manager) listLocked() []Reminder {
	out := make([]Reminder, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Reminder
	}
	slices.SortStableFunc(out, func(a, b Reminder) int { return a.Time.Compare(b.Time) })
	return out
}

func (m *Manager) indexLocked(id string) int {
	return slices.IndexFunc(m.entries, func(e *entry) bool { return e.ID == id })
}

func (m *Manager) saveLocked() error {
	list := make([]Reminder, len(m.entries))
	for i, e := range m.entries {
		list[i] = e.Reminder
	}
	if err := m.store.Save(list); err != nil {
		return err
	}
	m.seen = m.store.version()
	return nil
}

// fire delivers the reminder armed for id at the given time. A reminder that
// was removed, replaced, or already fired in the meantime is skipped.
func (m *Manager) fire(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	m.syncLocked()
	i := m.indexLocked(id)
	if i < 0 || !m.entries[i].active || !m.entries[i].Time.Equal(at) {
		m.mu.Unlock()
		return nil
	}
	e := m.entries[i]
	e.active = false
	e.task = nil
	fired := e.Reminder

	if fired.Repeat {
		e.Time = fired.NextAfter(m.now())
	} else {
		m.entries = slices.Delete(m.entries, i, i+1)
	}
	saveErr := m.saveLocked()
	respond := m.respond
	m.mu.Unlock()

	m.logger.Info("reminder going off", "id", id, "text", fired.Text)

	var errs []error
	if saveErr != nil {
		errs = append(errs, saveErr)
	}
	if respond == nil {
		errs = append(errs, errors.New("no responder for reminders"))
	} else if err := respond(ctx, FirePrefix+fired.Text); err != nil {
		errs = append(errs, fmt.Errorf("deliver reminder: %w", err))
	}

	if fired.Repeat {
		m.mu.Lock()
		m.armLocked()
		m.mu.Unlock()
	}
	m.refreshPinned(ctx)
	return errors.Join(errs...)
}

func (m *Manager) refreshPinned(ctx context.Context) {
	if m.reg == nil {
		return
	}
	if err := m.reg.RefreshPinned(ctx, PinnedHeader); err != nil {
		m.logger.Warn("failed to refresh pinned reminders", "error", err)
	}
}

func (m *Manager) onAction(ctx context.Context, _ *response.Response, args plugin.Args) (response.Result, error) {
	raw := strings.TrimSpace(args.String(KeyTime))
	if raw == "" {
		return response.Result{}, nil
	}
	text := strings.TrimSpace(args.String(KeyText))
	if text == "" {
		return response.Result{}, fmt.Errorf("%s given without %s", KeyTime, KeyText)
	}

	now := m.now()
	at, err := scheduler.ParseTime(raw, now, m.loc)
	if err != nil {
		return response.Result{}, err
	}

	r := Reminder{Time: at, Text: text, Repeat: args.Bool(KeyRepeat)}
	if r.Repeat {
		iv, err := ParseInterval(args.String(KeyRepeatInterval))
		if err != nil {
			return response.Result{}, err
		}
		r.RepeatInterval = iv
	}

	r, added, err := m.Add(ctx, r)
	if err != nil {
		return response.Result{}, err
	}
	if !added {
		return response.Note("Reminder already scheduled <t:%d:R>", r.Time.Unix()), nil
	}
	return response.Note("%s", m.addedNote(r, now)), nil
}

func (m *Manager) addedNote(r Reminder, now time.Time) string {
	ts := r.Time.Unix()
	day := r.Time.In(m.loc)
	today := now.In(m.loc)

	rel := fmt.Sprintf("<t:%d:R>", ts)
	isToday := sameDate(day, today)
	switch {
	case isToday:
		rel = "today"
	case sameDate(day, today.AddDate(0, 0, 1)):
		rel = "tomorrow"
	}

	switch {
	case r.Repeat && r.RepeatInterval == Day:
		return fmt.Sprintf("Added daily reminder at <t:%d:t> starting %s", ts, rel)
	case r.Repeat:
		return fmt.Sprintf("Added %s reminder starting %s", r.RepeatInterval.Adverb(), rel)
	case isToday:
		return fmt.Sprintf("Added reminder going off <t:%d:R>", ts)
	default:
		return fmt.Sprintf("Added reminder going off %s at <t:%d:t>", rel, ts)
	}
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DynamicPrompt lists the scheduled reminders for the system prompt.
func (m *Manager) DynamicPrompt() string {
	lines := []string{"# Currently scheduled reminders:"}
	for _, r := range m.List() {
		line := fmt.Sprintf("%s: %s", r.Time.In(m.loc).Format("2006-01-02 15:04"), r.Text)
		if r.Repeat {
			line += fmt.Sprintf(" (repeats every %s)", r.RepeatInterval)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// PinnedList renders the reminders grouped by day, truncated to fit one
// chat message.
func (m *Manager) PinnedList() string {
	var (
		lines    []string
		size     int
		lastDate time.Time
	)
	for _, r := range m.List() {
		local := r.Time.In(m.loc)
		prefix := ""
		if lastDate.IsZero() || !sameDate(local, lastDate) {
			prefix = "### " + local.Format("Monday, 02 January") + "\n"
			lastDate = local
		}
		line := fmt.Sprintf("%s- <t:%d:t> %s", prefix, r.Time.Unix(), r.Text)
		if size+len(line)+1 > pinnedLimit {
			break
		}
		lines = append(lines, line)
		size += len(line) + 1
	}
	return strings.Join(lines, "\n")
}
