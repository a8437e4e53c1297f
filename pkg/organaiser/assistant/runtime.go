package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/rollover"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// reportTimeout bounds bug reports raised outside any turn.
const reportTimeout = 30 * time.Second

// RuntimeOptions wires a Runtime.
type RuntimeOptions struct {
	App       *App
	Channel   channels.Channel
	Registry  *plugin.Registry
	Scheduler *scheduler.Scheduler

	// Date pins the session date. The session then never rolls over.
	Date time.Time

	Logger *slog.Logger
}

// Runtime drives the conversation between a delivery channel and the
// current session.
type Runtime struct {
	app      *App
	ch       channels.Channel
	registry *plugin.Registry
	sched    *scheduler.Scheduler
	rollover *rollover.Coordinator
	date     time.Time
	logger   *slog.Logger

	checkinMu sync.Mutex
	checkin   *scheduler.Task

	// wg tracks event handlers and background turns.
	wg sync.WaitGroup
}

// NewRuntime creates a Runtime. Call Run to connect and serve.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.App == nil || opts.Channel == nil || opts.Registry == nil || opts.Scheduler == nil {
		return nil, errors.New("assistant: runtime needs an app, a channel, a registry and a scheduler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime", "channel", opts.Channel.Name())

	rt := &Runtime{
		app:      opts.App,
		ch:       opts.Channel,
		registry: opts.Registry,
		sched:    opts.Scheduler,
		date:     opts.Date,
		logger:   logger,
	}
	rt.rollover = rollover.New(rollover.Options{
		Boundary:   opts.App.Boundary(),
		Loader:     opts.App.LoadSession,
		Dispatcher: opts.Registry,
		Now:        opts.App.Now,
		Logger:     logger,
	})
	rt.rollover.Observe(rt.onTransition)

	rt.registry.SetPublisher(pinnedPublisher{ch: opts.Channel})
	rt.registry.SetErrorReporter(func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		rt.ReportBug(ctx, codeBlock("", err.Error()), nil, "")
	})
	return rt, nil
}

// Rollover returns the session coordinator.
func (rt *Runtime) Rollover() *rollover.Coordinator { return rt.rollover }

// Run connects the channel, starts the assistant and handles events until
// ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", rt.ch.Name(), err)
	}
	defer func() {
		if err := rt.ch.Disconnect(); err != nil {
			rt.logger.Warn("disconnect failed", "error", err)
		}
	}()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.wg.Wait()

	events := rt.ch.Events()
	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("runtime stopping")
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				rt.handleEvent(ctx, evt)
			}()
		}
	}
}

// Start configures the plugins, loads the session and catches up on what
// happened while the assistant was offline.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.registry.Configure(ctx, rt.app.Config().Plugins); err != nil {
		rt.logger.Warn("plugin configuration failed", "error", err)
	}
	if err := rt.registry.Dispatch(ctx, plugin.HookPayload{Event: plugin.EventInit}); err != nil {
		rt.logger.Warn("plugin init failed", "error", err)
	}

	sess, err := rt.rollover.Start(ctx, rt.date)
	if err != nil {
		return err
	}
	if rt.date.IsZero() {
		if err := rt.rollover.Schedule(rt.sched); err != nil {
			return fmt.Errorf("schedule rollover: %w", err)
		}
	}
	rt.sched.Start(ctx)

	if err := rt.ch.SetPresence(ctx, channels.PresenceOnline); err != nil {
		rt.logger.Warn("set presence failed", "error", err)
	}
	if err := rt.registry.RefreshAllPinned(ctx); err != nil {
		rt.logger.Warn("pinned refresh failed", "error", err)
	}

	rt.RestoreCheckin(sess)
	if err := rt.RecoverMissed(ctx, sess); err != nil {
		rt.logger.Warn("missed message recovery failed", "error", err)
	}
	rt.logger.Info("assistant ready", "assistant", rt.app.ID(), "session", sess.Date().Format(session.DateLayout))
	return nil
}

// Session returns the current session, rolling over when the day ended.
func (rt *Runtime) Session(ctx context.Context) (*session.Session, error) {
	if !rt.date.IsZero() {
		if sess := rt.rollover.Current(); sess != nil {
			return sess, nil
		}
		return nil, rollover.ErrNoSession
	}
	return rt.rollover.Session(ctx)
}

// Respond runs one turn for content and delivers the reply. in is the
// message that prompted the turn, nil for system input such as check-ins
// and reminders.
func (rt *Runtime) Respond(ctx context.Context, content string, in *channels.IncomingMessage) error {
	sess, err := rt.Session(ctx)
	if err != nil {
		return err
	}

	at := rt.app.Now()
	if in != nil {
		rt.CancelCheckin()
		if !in.Timestamp.IsZero() {
			at = in.Timestamp
		}
	}
	content = fmt.Sprintf("[%s] %s", at.In(rt.app.Location()).Format("15:04:05"), content)

	msg := message.User(content)
	if in != nil {
		msg.ID = in.ID
		msg.Timestamp = &at
		msg.Attachments = in.Attachments
	}

	resp, err := rt.turn(ctx, sess, msg)
	if err != nil || resp == nil {
		return err
	}
	respondedAt := rt.app.Now()

	rt.registry.DispatchActions(ctx, resp)
	if resp.PromptAfter != nil {
		activity := resp.Activity
		if activity == nil {
			activity = sess.Activity()
		}
		rt.ArmCheckin(activity, respondedAt, *resp.PromptAfter)
	}
	rt.deliver(ctx, resp, content, in)
	return nil
}

// RespondText runs a turn for system input. It has the signature of
// reminders.RespondFunc.
func (rt *Runtime) RespondText(ctx context.Context, text string) error {
	return rt.Respond(ctx, text, nil)
}

// Post sends text to a logical channel, if present.
func (rt *Runtime) Post(ctx context.Context, kind channels.Kind, text string) error {
	if !rt.ch.Has(kind) {
		return nil
	}
	_, err := rt.ch.Send(ctx, kind, &channels.OutgoingMessage{Content: text})
	return err
}

// ReportBug posts a bug report, linking the user message and the logged
// raw reply when known.
func (rt *Runtime) ReportBug(ctx context.Context, report string, in *channels.IncomingMessage, logLink string) {
	if !rt.ch.Has(channels.KindBugs) {
		rt.logger.Warn("bug report dropped, no bugs channel", "report", truncate(report, 200))
		return
	}
	if logLink != "" {
		report = fmt.Sprintf(" - [Raw AI response](%s)\n%s", logLink, report)
	}
	if in != nil && in.Link != "" {
		report = fmt.Sprintf(" - [User message](%s)\n%s", in.Link, report)
	}
	if _, err := rt.ch.Send(ctx, channels.KindBugs, &channels.OutgoingMessage{Content: report}); err != nil {
		rt.logger.Error("failed to send bug report", "error", err)
	}
}

// ArmCheckin schedules a check-in minutes after from, replacing any earlier
// one. It does not fire once activity is closed, i.e. the user said
// something after the reply that asked for it.
func (rt *Runtime) ArmCheckin(activity <-chan struct{}, from time.Time, minutes int) {
	if minutes < 0 {
		minutes = 0
	}
	at := from.Add(time.Duration(minutes) * time.Minute)

	rt.checkinMu.Lock()
	defer rt.checkinMu.Unlock()
	if rt.checkin != nil {
		rt.checkin.Cancel()
	}

	var task *scheduler.Task
	task = rt.sched.At(at, "checkin", func(ctx context.Context) error {
		rt.checkinMu.Lock()
		current := rt.checkin == task
		if current {
			rt.checkin = nil
		}
		rt.checkinMu.Unlock()
		if !current {
			return nil
		}
		select {
		case <-activity:
			rt.logger.Debug("check-in skipped, user was active")
			return nil
		default:
		}
		return rt.Respond(ctx, checkinText(minutes), nil)
	}, scheduler.WithTimeout(0))
	rt.checkin = task
	rt.logger.Debug("check-in armed", "at", at.Format(time.RFC3339), "minutes", minutes)
}

// CancelCheckin cancels the pending check-in, if any.
func (rt *Runtime) CancelCheckin() {
	rt.checkinMu.Lock()
	defer rt.checkinMu.Unlock()
	if rt.checkin != nil {
		rt.checkin.Cancel()
		rt.checkin = nil
	}
}

// RestoreCheckin re-arms the check-in requested by the last reply of sess.
func (rt *Runtime) RestoreCheckin(sess *session.Session) {
	resp, ok := sess.LastAssistantResponse()
	if !ok || resp.PromptAfter == nil {
		return
	}
	from := sess.LastActivity()
	if last, ok := sess.LastAssistantMessage(); ok && last.Timestamp != nil {
		from = *last.Timestamp
	}
	if from.IsZero() {
		from = rt.app.Now()
	}
	rt.ArmCheckin(sess.Activity(), from, *resp.PromptAfter)
}

// RecoverMissed appends the chat messages sent while the assistant was
// offline and answers them in one turn.
func (rt *Runtime) RecoverMissed(ctx context.Context, sess *session.Session) error {
	last, ok := sess.LastMessageWithID()
	if !ok {
		return nil
	}
	missed, err := rt.ch.MissedSince(ctx, channels.KindChat, last.ID)
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		return nil
	}
	rt.logger.Info("recovering missed messages", "count", len(missed))

	loc := rt.app.Location()
	now := rt.app.Now()
	msgs := []message.Message{
		message.User(fmt.Sprintf("[%s] %s", now.In(loc).Format("15:04:05"), missedHeader)),
	}
	for _, in := range missed {
		m := message.User(fmt.Sprintf("[%s] %s: %s", in.Timestamp.In(loc).Format("15:04:05"), in.Author, in.Content))
		m.ID = in.ID
		ts := in.Timestamp
		m.Timestamp = &ts
		m.Attachments = in.Attachments
		msgs = append(msgs, m)
	}
	if err := sess.AppendMessages(ctx, msgs...); err != nil {
		return err
	}
	return rt.Respond(ctx, missedFooter, nil)
}

// ---------- Internal ----------

// turn chats, offering a retry on the chat channel while the model fails.
func (rt *Runtime) turn(ctx context.Context, sess *session.Session, msg message.Message) (*response.Response, error) {
	if err := rt.ch.Typing(ctx, channels.KindChat); err != nil {
		rt.logger.Debug("typing indicator failed", "error", err)
	}

	resp, err := sess.Chat(ctx, msg)
	for err != nil {
		var pe *session.PersistenceError
		if errors.As(err, &pe) || ctx.Err() != nil {
			return nil, err
		}
		rt.logger.Warn("turn failed", "error", err, "invalid_response", errors.Is(err, model.ErrInvalidResponse))

		retry, askErr := rt.ch.AskRetry(ctx, channels.KindChat, "⚠️ **Error**: "+err.Error())
		if askErr != nil {
			return nil, errors.Join(err, askErr)
		}
		if !retry {
			return nil, nil
		}
		resp, err = sess.Retry(ctx)
	}
	return resp, nil
}

// deliver sends the chat text, reactions and attachments of resp, then the
// log entry and any bug reports.
func (rt *Runtime) deliver(ctx context.Context, resp *response.Response, content string, in *channels.IncomingMessage) {
	chat := resp.Chat
	reactions := resp.Reactions
	if chat == "" && in == nil && len(reactions) > 0 {
		chat = strings.Join(reactions, "")
		reactions = nil
	}

	if rt.ch.Has(channels.KindChat) {
		if chat != "" {
			if _, err := rt.ch.Send(ctx, channels.KindChat, &channels.OutgoingMessage{Content: chat}); err != nil {
				rt.logger.Error("failed to send chat", "error", err)
			}
		}
		if in != nil {
			for _, emoji := range reactions {
				if err := rt.ch.React(ctx, in.Kind, in.ID, emoji); err != nil {
					rt.logger.Warn("failed to react", "emoji", emoji, "error", err)
				}
			}
		}
		rt.sendAttachments(ctx, resp)
	}

	if err := resp.Wait(ctx); err != nil {
		rt.logger.Warn("actions did not finish", "pending", resp.Pending(), "error", err)
	}

	var logLink string
	if rt.ch.Has(channels.KindLog) {
		sent, err := rt.ch.Send(ctx, channels.KindLog, &channels.OutgoingMessage{Content: logEntry(content, resp)})
		if err != nil {
			rt.logger.Error("failed to send log entry", "error", err)
		}
		logLink = sent.Link
	}

	if resp.BugReport != "" {
		rt.ReportBug(ctx, resp.BugReport, in, logLink)
	}
	for _, err := range resp.Errors() {
		rt.ReportBug(ctx, codeBlock("", err.Error()), in, logLink)
	}
}

// sendAttachments sends each attachment as the actions produce it and tells
// the model about the ones that failed.
func (rt *Runtime) sendAttachments(ctx context.Context, resp *response.Response) {
	var sent int
	var failures []string
	i := 0
	for a := range resp.Attachments(ctx) {
		i++
		res, err := rt.ch.Send(ctx, channels.KindChat, &channels.OutgoingMessage{Attachments: []message.Attachment{a}})
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("Attachment %d: %v", i, err))
		case len(res.Failed) > 0:
			failures = append(failures, fmt.Sprintf("Attachment %d: %v", i, res.Failed[0].Err))
		default:
			sent++
		}
	}
	if len(failures) == 0 {
		return
	}

	text := attachmentFailureText(sent, failures)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.Respond(context.WithoutCancel(ctx), text, nil); err != nil {
			rt.logger.Error("attachment failure turn failed", "error", err)
		}
	}()
}

func (rt *Runtime) handleEvent(ctx context.Context, evt channels.Event) {
	switch evt.Type {
	case channels.EventMessage:
		in := evt.Message
		if in == nil {
			return
		}
		switch evt.Kind {
		case channels.KindChat:
			if err := rt.Respond(ctx, in.Author+": "+in.Content, in); err != nil {
				rt.logger.Error("turn failed", "message", in.ID, "error", err)
				rt.ReportBug(ctx, codeBlock("", err.Error()), in, "")
			}
		case channels.KindQuery:
			rt.handleQuery(ctx, in)
		}

	case channels.EventEdit:
		rt.handleEdit(ctx, evt)

	case channels.EventDelete:
		sess := rt.rollover.Current()
		if sess == nil {
			return
		}
		if err := sess.DeleteMessage(ctx, evt.MessageID); err != nil && !errors.Is(err, session.ErrNotFound) {
			rt.logger.Error("delete failed", "message", evt.MessageID, "error", err)
		}
	}
}

// handleEdit mirrors an edited chat message into the session, keeping the
// time and author prefix of the stored text.
func (rt *Runtime) handleEdit(ctx context.Context, evt channels.Event) {
	sess := rt.rollover.Current()
	if sess == nil {
		return
	}
	stored, ok := sess.FindMessage(evt.MessageID)
	if !ok {
		return
	}
	var content *string
	if evt.Content != nil {
		edited := editPrefix(stored.Content) + *evt.Content
		content = &edited
	}
	if err := sess.EditMessage(ctx, evt.MessageID, content, evt.KeepAttachments); err != nil {
		rt.logger.Error("edit failed", "message", evt.MessageID, "error", err)
	}
}

// handleQuery answers a message on the query channel out of band.
func (rt *Runtime) handleQuery(ctx context.Context, in *channels.IncomingMessage) {
	if err := rt.ch.Typing(ctx, channels.KindQuery); err != nil {
		rt.logger.Debug("typing indicator failed", "error", err)
	}

	var reply string
	sess, err := rt.Session(ctx)
	if err == nil {
		var res *model.Result
		res, err = sess.IsolatedQuery(ctx, in.Content, session.IsolatedOptions{
			Shape:       model.Text,
			Attachments: in.Attachments,
		})
		if err == nil {
			reply = strings.TrimSpace(res.Text)
			if strings.HasPrefix(reply, "{") {
				reply = codeBlock("json", reply)
			}
		}
	}
	if err != nil {
		reply = "⚠️ **Error**: " + err.Error()
	}
	if _, err := rt.ch.Send(ctx, channels.KindQuery, &channels.OutgoingMessage{Content: reply, ReplyTo: in.ID}); err != nil {
		rt.logger.Error("failed to send query reply", "error", err)
	}
}

func (rt *Runtime) onTransition(ctx context.Context, t rollover.Transition) {
	date := t.To.Date().Format(session.DateLayout)
	rt.CancelCheckin()

	if err := rt.Post(ctx, channels.KindLog, t.To.SystemPrompt()); err != nil {
		rt.logger.Warn("failed to log system prompt", "error", err)
	}
	if err := rt.ch.SetPresence(ctx, channels.PresenceOnline); err != nil {
		rt.logger.Warn("set presence failed", "error", err)
	}
	if err := rt.registry.RefreshAllPinned(ctx); err != nil {
		rt.logger.Warn("pinned refresh failed", "error", err)
	}
	if err := rt.Post(ctx, channels.KindLog, "Finished rollover to day "+date); err != nil {
		rt.logger.Warn("failed to log rollover", "error", err)
	}
}

// pinnedPublisher publishes plugin status messages on the chat channel.
type pinnedPublisher struct {
	ch channels.Channel
}

func (p pinnedPublisher) UpsertPinned(ctx context.Context, header, text string) error {
	if !p.ch.Has(channels.KindChat) {
		return nil
	}
	return p.ch.UpsertPinned(ctx, channels.KindChat, header, text)
}

// logEntry quotes the input and shows the reply as JSON, followed by what
// the actions did.
func logEntry(content string, resp *response.Response) string {
	var b strings.Builder
	b.WriteString("> ")
	b.WriteString(strings.ReplaceAll(content, "\n", "\n> "))
	b.WriteString("\n\n")
	b.WriteString(codeBlock("json", resp.Pretty()))
	for _, note := range resp.ActionsTaken() {
		b.WriteString("\n- ")
		b.WriteString(note)
	}
	for _, err := range resp.Errors() {
		b.WriteString("\n- ⚠️ ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// editPrefix returns the "[hh:mm:ss] Author: " prefix of a stored user
// message, or "" if it has none.
func editPrefix(stored string) string {
	if !strings.HasPrefix(stored, "[") {
		return ""
	}
	end := strings.Index(stored, "] ")
	if end < 0 {
		return ""
	}
	rest := stored[end+2:]
	if sep := strings.Index(rest, ": "); sep >= 0 && !strings.Contains(rest[:sep], "\n") {
		return stored[:end+2+sep+2]
	}
	return stored[:end+2]
}

func codeBlock(lang, text string) string {
	return "```" + lang + "\n" + text + "\n```"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
