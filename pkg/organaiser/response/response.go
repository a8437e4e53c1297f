// Package response holds the per-turn object built from a model reply. It
// runs the turn's action handlers concurrently and streams the attachments
// they produce to the delivery layer as they become available.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// Reply field names shared by the prompt and the parser.
const (
	FieldChat        = "chat"
	FieldReact       = "react"
	FieldBugReport   = "bug_report"
	FieldPromptAfter = "prompt_after"
)

// MaxPromptAfter caps prompt_after, in minutes, at one week.
const MaxPromptAfter = 7 * 24 * 60

// SessionRef is the view of the owning session an action needs.
type SessionRef interface {
	Date() time.Time
	NextRollover() time.Time
}

// Result is what an action produces: audit notes and attachments.
type Result struct {
	Notes       []string
	Attachments []message.Attachment
}

// Note returns a Result holding a single audit note.
func Note(format string, args ...any) Result {
	return Result{Notes: []string{fmt.Sprintf(format, args...)}}
}

// Attachment returns a Result holding a single attachment.
func Attachment(a message.Attachment) Result {
	return Result{Attachments: []message.Attachment{a}}
}

// ActionFunc is an action handler bound to one response.
type ActionFunc func(ctx context.Context, r *Response) (Result, error)

// ActionError records the failure of one action.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Response is the outcome of one chat turn.
type Response struct {
	// Raw is the decoded reply object.
	Raw map[string]any
	// Text is the reply as stored in the session log.
	Text string

	Chat        string
	Reactions   []string
	BugReport   string
	PromptAfter *int

	// Activity is closed once the user speaks after this reply was
	// recorded. Nil for replies parsed from the log.
	Activity <-chan struct{}

	session SessionRef
	logger  *slog.Logger

	mu          sync.Mutex
	notes       []string
	attachments []message.Attachment
	pending     map[string]string
	errs        []error

	// changed is closed and replaced whenever attachments or pending
	// change, waking every waiter.
	changed chan struct{}
}

// New builds a Response from a decoded reply.
func New(sess SessionRef, raw map[string]any, text string, logger *slog.Logger) *Response {
	if logger == nil {
		logger = slog.Default()
	}
	if raw == nil {
		raw = map[string]any{}
	}
	r := &Response{
		Raw:       raw,
		Text:      text,
		Chat:      stringField(raw[FieldChat]),
		Reactions: SplitReactions(stringField(raw[FieldReact])),
		BugReport: bugReport(raw[FieldBugReport]),
		session:   sess,
		logger:    logger.With("component", "response"),
		pending:   make(map[string]string),
		changed:   make(chan struct{}),
	}
	if n, ok := intField(raw[FieldPromptAfter]); ok {
		r.PromptAfter = &n
	}
	return r
}

// Parse decodes a stored reply text into a Response.
func Parse(sess SessionRef, text string, logger *slog.Logger) (*Response, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return New(sess, raw, text, logger), nil
}

// Session returns the session the response belongs to.
func (r *Response) Session() SessionRef { return r.session }

// Has reports whether the reply contains a non-null field.
func (r *Response) Has(key string) bool {
	v, ok := r.Raw[key]
	return ok && v != nil
}

// Keys returns the non-null reply fields, sorted.
func (r *Response) Keys() []string {
	keys := make([]string, 0, len(r.Raw))
	for k, v := range r.Raw {
		if v != nil {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Pretty returns the reply as indented JSON.
func (r *Response) Pretty() string {
	b, err := json.MarshalIndent(r.Raw, "", "  ")
	if err != nil {
		return r.Text
	}
	return string(b)
}

// RunAction starts fn in the background. Its notes and attachments are
// folded into the response when it returns; a failure or panic is recorded
// without affecting other actions.
func (r *Response) RunAction(ctx context.Context, name string, fn ActionFunc) {
	id := uuid.NewString()

	r.mu.Lock()
	r.pending[id] = name
	r.mu.Unlock()

	go func() {
		res, err := r.invoke(ctx, name, fn)
		r.finish(id, name, res, err)
	}()
}

func (r *Response) invoke(ctx context.Context, name string, fn ActionFunc) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, r)
}

func (r *Response) finish(id, name string, res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, id)
	if err != nil {
		r.logger.Error("action failed", "action", name, "error", err)
		r.errs = append(r.errs, &ActionError{Action: name, Err: err})
	} else {
		r.notes = append(r.notes, res.Notes...)
		r.attachments = append(r.attachments, res.Attachments...)
	}
	r.notifyLocked()
}

// Attach adds an attachment and wakes any consumer.
func (r *Response) Attach(a message.Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attachments = append(r.attachments, a)
	r.notifyLocked()
}

func (r *Response) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Attachments yields every attachment of the response exactly once: first
// those already present, then each new one as actions produce it. The
// sequence ends once no action is pending and everything has been yielded,
// or when ctx is done.
func (r *Response) Attachments(ctx context.Context) iter.Seq[message.Attachment] {
	return func(yield func(message.Attachment) bool) {
		i := 0
		for {
			r.mu.Lock()
			batch := slices.Clone(r.attachments[i:])
			pending := len(r.pending)
			changed := r.changed
			r.mu.Unlock()

			for _, a := range batch {
				if !yield(a) {
					return
				}
			}
			i += len(batch)

			if len(batch) > 0 {
				continue
			}
			if pending == 0 {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Wait blocks until every action has finished. Action failures are not
// returned; see Errors.
func (r *Response) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		pending := len(r.pending)
		changed := r.changed
		r.mu.Unlock()

		if pending == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the names of running actions, sorted.
func (r *Response) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := slices.Collect(maps.Values(r.pending))
	slices.Sort(names)
	return names
}

// ActionsTaken returns the audit notes collected so far.
func (r *Response) ActionsTaken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.notes)
}

// Errors returns the recorded action failures.
func (r *Response) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

// SplitReactions splits a reaction string into grapheme clusters, dropping
// whitespace and separators.
func SplitReactions(s string) []string {
	var out []string
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Str()
		if strings.TrimSpace(cluster) == "" || cluster == "," {
			continue
		}
		out = append(out, cluster)
	}
	return out
}

func stringField(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// bugReport renders a bug_report value; structured values are fenced.
func bugReport(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprint(val)
		}
		return "```json\n" + string(b) + "\n```"
	}
}

// intField reads a non-negative minute count, capped at MaxPromptAfter.
func intField(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		if val < 0 || math.IsNaN(val) {
			return 0, false
		}
		return int(min(val, MaxPromptAfter)), true
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return MaxPromptAfter, true
		}
		if err != nil {
			return 0, false
		}
		return int(min(n, MaxPromptAfter)), true
	default:
		return 0, false
	}
}
