package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQuerier answers every query through reply and records the calls.
type fakeQuerier struct {
	mu    sync.Mutex
	calls []fakeCall
	reply func(msgs []message.Message, system string) (string, error)
}

type fakeCall struct {
	msgs   []message.Message
	system string
}

func (q *fakeQuerier) Query(_ context.Context, msgs []message.Message, system string, opts model.QueryOptions) (*model.Result, error) {
	q.mu.Lock()
	q.calls = append(q.calls, fakeCall{msgs: message.CloneAll(msgs), system: system})
	reply := q.reply
	q.mu.Unlock()

	text, err := reply(msgs, system)
	if err != nil {
		return nil, err
	}
	text, value, err := model.ExtractJSON(text, opts.Shape)
	if err != nil {
		return nil, err
	}
	return &model.Result{Text: text, Value: value, Attempts: 1}, nil
}

func (q *fakeQuerier) Calls() []fakeCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]fakeCall(nil), q.calls...)
}

type fakeComposer struct {
	staticCalls int
	preQuery    int
}

func (c *fakeComposer) StaticPrompt(*Session) string { c.staticCalls++; return "STATIC" }

func (c *fakeComposer) DynamicPrompt(context.Context, *Session) string { return "DYNAMIC" }

func (c *fakeComposer) BeforeQuery(context.Context, *Session) error { c.preQuery++; return nil }

var testDate = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, q Querier, settings Settings) (*Session, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir(), "testbot", testLogger())
	require.NoError(t, err)

	s, err := Create(store, testDate, "You are a helpful organiser.", Options{
		Settings: settings,
		Querier:  q,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return s, store
}

func TestNextRollover(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 60*60)
	date := time.Date(2024, 1, 10, 0, 0, 0, 0, loc)

	tests := []struct {
		rollover Clock
		want     time.Time
	}{
		{Clock{Hour: 4}, time.Date(2024, 1, 11, 4, 0, 0, 0, loc)},
		{Clock{Hour: 23}, time.Date(2024, 1, 10, 23, 0, 0, 0, loc)},
		{Clock{Hour: 12}, time.Date(2024, 1, 10, 12, 0, 0, 0, loc)},
		{Clock{Hour: 11, Minute: 59}, time.Date(2024, 1, 11, 11, 59, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.rollover.String(), func(t *testing.T) {
			t.Parallel()
			b := NewBoundary(tt.rollover, loc)
			assert.True(t, tt.want.Equal(b.NextRollover(date)), "got %s", b.NextRollover(date))
		})
	}
}

func TestToday(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	tests := []struct {
		name     string
		rollover Clock
		now      time.Time
		want     string
	}{
		{"early rollover before boundary", Clock{Hour: 4}, time.Date(2024, 1, 11, 3, 30, 0, 0, loc), "2024-01-10"},
		{"early rollover after boundary", Clock{Hour: 4}, time.Date(2024, 1, 11, 4, 0, 0, 0, loc), "2024-01-11"},
		{"late rollover before boundary", Clock{Hour: 23}, time.Date(2024, 1, 10, 22, 59, 0, 0, loc), "2024-01-10"},
		{"late rollover after boundary", Clock{Hour: 23}, time.Date(2024, 1, 10, 23, 30, 0, 0, loc), "2024-01-11"},
		{"midnight rollover", Clock{}, time.Date(2024, 1, 10, 0, 0, 0, 0, loc), "2024-01-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBoundary(tt.rollover, loc)
			assert.Equal(t, tt.want, b.Today(tt.now).Format(DateLayout))
		})
	}

	t.Run("configurable cutoff", func(t *testing.T) {
		t.Parallel()
		b := Boundary{Rollover: Clock{Hour: 5}, NoonCutoff: Clock{Hour: 3}, Location: loc}
		assert.Equal(t, "2024-01-10", b.NextRollover(testDate).Format(DateLayout))
		assert.Equal(t, "2024-01-11", b.Today(time.Date(2024, 1, 10, 6, 0, 0, 0, loc)).Format(DateLayout))
	})
}

func TestAppendAndLoad(t *testing.T) {
	t.Parallel()

	s, store := newTestSession(t, nil, Settings{})
	ctx := context.Background()

	require.NoError(t, s.AppendMessages(ctx, message.User("hello"), message.Assistant(`{"chat":"hi"}`)))
	msg := message.User("with id")
	msg.ID = "123"
	require.NoError(t, s.AppendMessages(ctx, msg))

	// A corrupt line is skipped on load.
	f, err := os.OpenFile(store.Path(testDate), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := Load(store, testDate, Options{Logger: testLogger()})
	require.NoError(t, err)

	history := loaded.History()
	require.Len(t, history, 4)
	assert.Equal(t, message.RoleSystem, history[0].Role)
	for _, m := range history {
		assert.NotNil(t, m.Timestamp)
	}
	found, ok := loaded.FindMessage("123")
	require.True(t, ok)
	assert.Equal(t, "with id", found.Content)

	last, ok := loaded.LastMessageWithID()
	require.True(t, ok)
	assert.Equal(t, "123", last.ID)

	resp, ok := loaded.LastAssistantResponse()
	require.True(t, ok)
	assert.Equal(t, "hi", resp.Chat)

	info, err := os.Stat(store.Path(testDate))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAppendRejectsSystemMessage(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, nil, Settings{})
	require.Error(t, s.AppendMessages(context.Background(), message.System("second system")))
	assert.Equal(t, 1, s.Len())
}

func TestActivityWakesOnUserMessage(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, nil, Settings{})
	ctx := context.Background()

	activity := s.Activity()
	require.NoError(t, s.AppendMessages(ctx, message.Assistant("{}")))
	select {
	case <-activity:
		t.Fatal("assistant message must not count as user activity")
	default:
	}

	require.NoError(t, s.AppendMessages(ctx, message.User("I'm back")))
	select {
	case <-activity:
	default:
		t.Fatal("user message did not wake activity waiters")
	}
}

func TestChatComposesPromptAndPersists(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{reply: func([]message.Message, string) (string, error) {
		return `Here: {"chat":"Morning!","react":"☀️","prompt_after":30}`, nil
	}}
	composer := &fakeComposer{}
	store, err := NewStore(t.TempDir(), "testbot", testLogger())
	require.NoError(t, err)
	s, err := Create(store, testDate, "BASE", Options{
		Settings: Settings{FormatPrompt: "FORMAT"},
		Querier:  q,
		Composer: composer,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := s.Chat(ctx, message.User("good morning"))
	require.NoError(t, err)
	_, err = s.Chat(ctx, message.User("again"))
	require.NoError(t, err)

	assert.Equal(t, "Morning!", resp.Chat)
	assert.Equal(t, []string{"☀️"}, resp.Reactions)
	require.NotNil(t, resp.PromptAfter)
	assert.Equal(t, 30, *resp.PromptAfter)

	calls := q.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "BASE\n\nDYNAMIC\n\nFORMAT\n\nSTATIC", calls[0].system)
	assert.Equal(t, message.RoleUser, calls[0].msgs[0].Role, "system message is passed separately")
	assert.Equal(t, 1, composer.staticCalls)
	assert.Equal(t, 2, composer.preQuery)

	loaded, err := Load(store, testDate, Options{Logger: testLogger()})
	require.NoError(t, err)
	history := loaded.History()
	require.Len(t, history, 5)
	assert.Equal(t, `{"chat":"Morning!","react":"☀️","prompt_after":30}`, history[2].Content)
}

func TestChatFailureThenRetry(t *testing.T) {
	t.Parallel()

	fail := true
	q := &fakeQuerier{reply: func([]message.Message, string) (string, error) {
		if fail {
			return "", &model.InvalidResponseError{Attempts: 4, Err: errors.New("garbage")}
		}
		return `{"chat":"ok"}`, nil
	}}
	s, _ := newTestSession(t, q, Settings{})
	ctx := context.Background()

	_, err := s.Chat(ctx, message.User("hi"))
	require.ErrorIs(t, err, model.ErrInvalidResponse)
	assert.Equal(t, 2, s.Len(), "user message is kept for the retry")

	fail = false
	resp, err := s.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Chat)
	assert.Equal(t, 3, s.Len())

	_, err = s.Retry(ctx)
	require.Error(t, err)
}

func TestChatPersistenceFailureIsFatal(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{reply: func([]message.Message, string) (string, error) { return `{"chat":"x"}`, nil }}
	s, store := newTestSession(t, q, Settings{})
	require.NoError(t, os.RemoveAll(store.Dir()))

	_, err := s.Chat(context.Background(), message.User("hi"))
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, s.Len())
}

func TestShouldSummarise(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestSession(t, nil, Settings{SummariseThreshold: 3})
	require.NoError(t, s.AppendMessages(ctx, message.User("1"), message.Assistant("2"), message.User("3")))
	assert.False(t, s.ShouldSummarise())

	require.NoError(t, s.AppendMessages(ctx, message.Assistant("4")))
	assert.True(t, s.ShouldSummarise())

	require.NoError(t, s.AppendMessages(ctx, message.Assistant(message.SummaryPrefix+" stuff"), message.User("5")))
	assert.False(t, s.ShouldSummarise())

	disabled, _ := newTestSession(t, nil, Settings{})
	for i := range 10 {
		require.NoError(t, disabled.AppendMessages(ctx, message.User(fmt.Sprint(i))))
	}
	assert.False(t, disabled.ShouldSummarise())
}

func TestCreateSummary(t *testing.T) {
	t.Parallel()

	var transcripts []string
	q := &fakeQuerier{reply: func(msgs []message.Message, system string) (string, error) {
		transcripts = append(transcripts, msgs[len(msgs)-1].Content)
		return "They talked about breakfast.", nil
	}}
	s, store := newTestSession(t, q, Settings{
		SummariseThreshold:   4,
		UnsummarisedMessages: 2,
		SummaryPrompt:        "Summarise.",
	})
	ctx := context.Background()

	require.NoError(t, s.AppendMessages(ctx,
		message.User("what's for breakfast?"),
		message.Assistant(`{"chat":"Eggs!","impression":"hungry"}`),
		message.User(NoResponseFiller),
		message.Assistant(`{"react":"🍳"}`),
		message.User("recent one"),
		message.Assistant(`{"chat":"recent two"}`),
	))
	before := s.History()

	require.NoError(t, s.CreateSummary(ctx))
	after := s.History()

	require.Len(t, after, 4)
	assert.Equal(t, before[0], after[0])
	assert.True(t, after[1].IsSummary())
	assert.Equal(t, message.SummaryPrefix+" They talked about breakfast.", after[1].Content)
	assert.Equal(t, before[5:], after[2:], "tail kept verbatim and in order")

	require.Len(t, transcripts, 1)
	assert.Equal(t, "user: what's for breakfast?\nassistant: Eggs!\nassistant: 🍳\n", transcripts[0])

	onDisk, err := os.ReadFile(store.Path(testDate))
	require.NoError(t, err)

	// Nothing new is eligible: no query, no mutation.
	require.NoError(t, s.CreateSummary(ctx))
	assert.Len(t, q.Calls(), 1)
	again, err := os.ReadFile(store.Path(testDate))
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), string(again))
	assert.Equal(t, after, s.History())

	// New messages are summarized on top of the previous summary.
	require.NoError(t, s.AppendMessages(ctx, message.User("lunch?"), message.Assistant(`{"chat":"Soup"}`)))
	require.NoError(t, s.CreateSummary(ctx))

	calls := q.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, message.RoleAssistant, calls[1].msgs[0].Role)
	assert.True(t, strings.HasPrefix(calls[1].msgs[0].Content, message.SummaryPrefix))

	final := s.History()
	require.Len(t, final, 5)
	assert.Equal(t, after[1], final[1], "earlier summary preserved")
	assert.True(t, final[2].IsSummary())
	assert.Equal(t, "lunch?", final[3].Content)
}

func TestCreateSummaryOfFillerOnly(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{reply: func(msgs []message.Message, system string) (string, error) {
		return "Nothing happened.", nil
	}}
	s, _ := newTestSession(t, q, Settings{UnsummarisedMessages: 1, SummaryPrompt: "Summarise."})
	ctx := context.Background()

	require.NoError(t, s.AppendMessages(ctx,
		message.User(NoResponseFiller),
		message.Assistant(`{"impression":"quiet"}`),
		message.User(NoResponseFiller),
		message.User("latest"),
	))
	require.NoError(t, s.CreateSummary(ctx))

	history := s.History()
	require.Len(t, history, 3)
	assert.True(t, history[1].IsSummary())
	assert.Equal(t, message.SummaryPrefix+" Nothing happened.", history[1].Content)
	assert.Equal(t, "latest", history[2].Content)

	calls := q.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, emptyTranscript, calls[0].msgs[len(calls[0].msgs)-1].Content)
}

func TestChatSummarisesFirst(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{reply: func(msgs []message.Message, system string) (string, error) {
		if system == "Summarise." {
			return "summary", nil
		}
		return `{"chat":"ok"}`, nil
	}}
	s, _ := newTestSession(t, q, Settings{SummariseThreshold: 2, UnsummarisedMessages: 1, SummaryPrompt: "Summarise."})
	ctx := context.Background()
	require.NoError(t, s.AppendMessages(ctx, message.User("a"), message.Assistant("b"), message.User("c")))

	_, err := s.Chat(ctx, message.User("d"))
	require.NoError(t, err)

	history := s.History()
	assert.Equal(t, message.RoleSystem, history[0].Role)
	assert.True(t, history[1].IsSummary())
	assert.Equal(t, []string{"c", "d", `{"chat":"ok"}`}, []string{history[2].Content, history[3].Content, history[4].Content})
}

func TestEditAndDelete(t *testing.T) {
	t.Parallel()

	s, store := newTestSession(t, nil, Settings{})
	ctx := context.Background()

	m := message.User("typo mesage")
	m.ID = "m1"
	m.Attachments = []message.Attachment{
		{URL: "https://x/a.png", ContentType: "image/png", ID: "a1"},
		{URL: "https://x/b.png", ContentType: "image/png", ID: "a2"},
	}
	other := message.User("keep me")
	other.ID = "m2"
	require.NoError(t, s.AppendMessages(ctx, m, other))

	fixed := "typo message"
	require.NoError(t, s.EditMessage(ctx, "m1", &fixed, []string{"a2"}))
	got, ok := s.FindMessage("m1")
	require.True(t, ok)
	assert.Equal(t, "typo message", got.Content)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "a2", got.Attachments[0].ID)

	require.NoError(t, s.DeleteMessage(ctx, "m1"))
	_, ok = s.FindMessage("m1")
	assert.False(t, ok)

	require.ErrorIs(t, s.DeleteMessage(ctx, "missing"), ErrNotFound)
	require.ErrorIs(t, s.EditMessage(ctx, "", &fixed, nil), ErrNotFound)

	loaded, err := Load(store, testDate, Options{Logger: testLogger()})
	require.NoError(t, err)
	history := loaded.History()
	require.Len(t, history, 2)
	assert.Equal(t, message.RoleSystem, history[0].Role)
	assert.Equal(t, "keep me", history[1].Content)
}

func TestIsolatedQueryDoesNotRecord(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{reply: func(msgs []message.Message, system string) (string, error) {
		return `["M0001"]`, nil
	}}
	s, _ := newTestSession(t, q, Settings{})

	res, err := s.IsolatedQuery(context.Background(), "SYSTEM: which memories?", IsolatedOptions{
		FormatPrompt: "Answer with a JSON array.",
		Shape:        model.Array,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"M0001"}, res.Array())
	assert.Equal(t, 1, s.Len())

	calls := q.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "You are a helpful organiser.\n\nAnswer with a JSON array.", calls[0].system)
	assert.Equal(t, "SYSTEM: which memories?", calls[0].msgs[len(calls[0].msgs)-1].Content)
}

func TestFindBefore(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), "testbot", testLogger())
	require.NoError(t, err)
	opts := Options{Logger: testLogger()}

	old := testDate.AddDate(0, 0, -3)
	_, err = Create(store, old, "three days ago", opts)
	require.NoError(t, err)

	found, err := FindBefore(store, testDate, 100, opts)
	require.NoError(t, err)
	assert.True(t, old.Equal(found.Date()))
	assert.Equal(t, "three days ago", found.SystemPrompt())

	_, err = FindBefore(store, testDate, 2, opts)
	require.ErrorIs(t, err, ErrNotFound)

	dates, err := store.Dates(time.UTC)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.True(t, old.Equal(dates[0]))

	_, err = Load(store, testDate, opts)
	require.ErrorIs(t, err, ErrNotFound)
}
