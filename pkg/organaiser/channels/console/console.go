// Package console implements a local delivery channel on the terminal. The
// user types into a readline prompt; replies, pinned lists and bug reports
// are printed with color.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
)

const defaultPrompt = "> "

// Options configures the console.
type Options struct {
	// Stdin and Stdout default to the process streams.
	Stdin  io.ReadCloser
	Stdout io.Writer

	// HistoryFile keeps readline history between runs.
	HistoryFile string

	// ShowLog prints the log channel too.
	ShowLog bool

	// Author is the name given to typed messages.
	Author string
}

// Console implements channels.Channel on a terminal.
type Console struct {
	opts   Options
	logger *slog.Logger

	rl     *readline.Instance
	events chan channels.Event
	closed chan struct{}
	seq    atomic.Int64

	mu       sync.Mutex
	out      io.Writer
	question chan string
	pinned   map[string]string

	closeOnce sync.Once
}

// New creates a console channel.
func New(opts Options, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Author == "" {
		opts.Author = "User"
	}
	return &Console{
		opts:   opts,
		logger: logger.With("component", "console"),
		events: make(chan channels.Event, 16),
		closed: make(chan struct{}),
		out:    opts.Stdout,
		pinned: make(map[string]string),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts the readline prompt.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          defaultPrompt,
		HistoryFile:     c.opts.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.opts.Stdin,
		Stdout:          c.opts.Stdout,
	})
	if err != nil {
		return fmt.Errorf("console: starting readline: %w", err)
	}
	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Disconnect closes the prompt.
func (c *Console) Disconnect() error {
	c.mu.Lock()
	rl := c.rl
	c.mu.Unlock()
	if rl != nil {
		return rl.Close()
	}
	c.shutdown()
	return nil
}

// Closed is closed when the user ends input with Ctrl-D or Ctrl-C.
func (c *Console) Closed() <-chan struct{} { return c.closed }

// Has reports whether the logical channel is printed.
func (c *Console) Has(kind channels.Kind) bool {
	if kind == channels.KindLog {
		return c.opts.ShowLog
	}
	return true
}

// Events returns the typed messages.
func (c *Console) Events() <-chan channels.Event { return c.events }

// Send prints a message.
func (c *Console) Send(ctx context.Context, kind channels.Kind, msg *channels.OutgoingMessage) (channels.Sent, error) {
	if !c.Has(kind) {
		return channels.Sent{}, fmt.Errorf("console %s: %w", kind, channels.ErrNoChannel)
	}
	var b strings.Builder
	if text := strings.TrimSpace(msg.Content); text != "" {
		b.WriteString(paint(kind, text))
	}
	for _, a := range msg.Attachments {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s (%s)", color.HiBlackString("attachment:"), a.Filename(), a.URL)
	}
	if b.Len() == 0 {
		return channels.Sent{}, nil
	}
	c.println("\n" + b.String())
	return channels.Sent{ID: c.nextID("out")}, nil
}

// React prints the reaction.
func (c *Console) React(ctx context.Context, kind channels.Kind, messageID, emoji string) error {
	c.println(color.HiBlackString("reacted ") + emoji)
	return nil
}

// UpsertPinned prints a pinned message when its text changed.
func (c *Console) UpsertPinned(ctx context.Context, kind channels.Kind, header, text string) error {
	c.mu.Lock()
	if c.pinned[header] == text {
		c.mu.Unlock()
		return nil
	}
	c.pinned[header] = text
	c.mu.Unlock()

	c.println("\n" + color.YellowString(text))
	return nil
}

// SetPresence is a no-op on the console.
func (c *Console) SetPresence(ctx context.Context, p channels.Presence) error {
	c.logger.Debug("presence", "status", p)
	return nil
}

// Typing is a no-op on the console.
func (c *Console) Typing(ctx context.Context, kind channels.Kind) error { return nil }

// MissedSince returns nothing: the console sees every message.
func (c *Console) MissedSince(ctx context.Context, kind channels.Kind, afterID string) ([]*channels.IncomingMessage, error) {
	return nil, nil
}

// AskRetry prints text and asks "Retry? [y/N]". The next typed line is the
// answer.
func (c *Console) AskRetry(ctx context.Context, kind channels.Kind, text string) (bool, error) {
	answer := make(chan string, 1)
	c.mu.Lock()
	if c.question != nil {
		c.mu.Unlock()
		return false, errors.New("console: another question is pending")
	}
	c.question = answer
	rl := c.rl
	c.mu.Unlock()

	c.println(color.RedString(text))
	if rl != nil {
		rl.SetPrompt("Retry? [y/N] ")
		rl.Refresh()
	}
	defer func() {
		c.mu.Lock()
		c.question = nil
		c.mu.Unlock()
		if rl != nil {
			rl.SetPrompt(defaultPrompt)
			rl.Refresh()
		}
	}()

	select {
	case line := <-answer:
		return isYes(line), nil
	case <-c.closed:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ---------- Internal ----------

func (c *Console) readLoop() {
	defer c.shutdown()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		c.handleLine(line)
	}
}

// handleLine answers a pending question or emits a chat message.
func (c *Console) handleLine(line string) {
	c.mu.Lock()
	q := c.question
	c.question = nil
	c.mu.Unlock()
	if q != nil {
		q <- line
		return
	}

	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	evt := channels.Event{
		Type: channels.EventMessage,
		Kind: channels.KindChat,
		Message: &channels.IncomingMessage{
			ID:        c.nextID("in"),
			Kind:      channels.KindChat,
			Author:    c.opts.Author,
			Content:   text,
			Timestamp: time.Now(),
		},
	}
	select {
	case c.events <- evt:
	case <-c.closed:
	}
}

func (c *Console) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Console) println(s string) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	fmt.Fprintln(out, s)
}

func (c *Console) nextID(prefix string) string {
	return "local-" + prefix + "-" + strconv.FormatInt(c.seq.Add(1), 10)
}

func paint(kind channels.Kind, text string) string {
	switch kind {
	case channels.KindChat:
		return color.CyanString(text)
	case channels.KindLog:
		return color.HiBlackString(text)
	case channels.KindBugs:
		return color.RedString(text)
	case channels.KindDiary:
		return color.MagentaString(text)
	default:
		return text
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

var _ channels.Channel = (*Console)(nil)
