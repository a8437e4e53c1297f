package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

func init() {
	color.NoColor = true
}

func newTestConsole(showLog bool) (*Console, *bytes.Buffer) {
	var out bytes.Buffer
	c := New(Options{
		Stdin:   io.NopCloser(strings.NewReader("")),
		Stdout:  &out,
		ShowLog: showLog,
		Author:  "Ada",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, &out
}

func TestSendPrintsTextAndAttachments(t *testing.T) {
	t.Parallel()
	c, out := newTestConsole(false)

	sent, err := c.Send(context.Background(), channels.KindChat, &channels.OutgoingMessage{
		Content:     "Hello there",
		Attachments: []message.Attachment{{URL: "https://example.com/img/cat.png", ContentType: "image/png"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Contains(t, out.String(), "Hello there")
	assert.Contains(t, out.String(), "attachment: cat.png (https://example.com/img/cat.png)")
}

func TestLogHiddenUnlessShown(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsole(false)
	assert.False(t, c.Has(channels.KindLog))
	_, err := c.Send(context.Background(), channels.KindLog, &channels.OutgoingMessage{Content: "x"})
	assert.ErrorIs(t, err, channels.ErrNoChannel)

	shown, out := newTestConsole(true)
	_, err = shown.Send(context.Background(), channels.KindLog, &channels.OutgoingMessage{Content: "raw"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "raw")
}

func TestUpsertPinnedPrintsOnlyChanges(t *testing.T) {
	t.Parallel()
	c, out := newTestConsole(false)
	ctx := context.Background()

	require.NoError(t, c.UpsertPinned(ctx, channels.KindChat, "## Current TODOs", "## Current TODOs\n - milk"))
	require.NoError(t, c.UpsertPinned(ctx, channels.KindChat, "## Current TODOs", "## Current TODOs\n - milk"))
	assert.Equal(t, 1, strings.Count(out.String(), "- milk"))
}

func TestHandleLineEmitsMessages(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsole(false)

	c.handleLine("   ")
	c.handleLine("  remind me  ")

	select {
	case evt := <-c.Events():
		assert.Equal(t, channels.EventMessage, evt.Type)
		require.NotNil(t, evt.Message)
		assert.Equal(t, "remind me", evt.Message.Content)
		assert.Equal(t, "Ada", evt.Message.Author)
		assert.True(t, strings.HasPrefix(evt.Message.ID, "local-in-"))
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	assert.Empty(t, c.Events())
}

func TestAskRetryTakesNextLine(t *testing.T) {
	t.Parallel()
	c, out := newTestConsole(false)

	result := make(chan bool, 1)
	go func() {
		retry, err := c.AskRetry(context.Background(), channels.KindChat, "Error: model failed")
		assert.NoError(t, err)
		result <- retry
	}()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.question != nil
	}, time.Second, 5*time.Millisecond)
	c.handleLine("Y")

	select {
	case retry := <-result:
		assert.True(t, retry)
	case <-time.After(time.Second):
		t.Fatal("no answer")
	}
	assert.Contains(t, out.String(), "Error: model failed")
	assert.Empty(t, c.Events())
}

func TestAskRetryCancelled(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsole(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	retry, err := c.AskRetry(ctx, channels.KindChat, "boom")
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}
