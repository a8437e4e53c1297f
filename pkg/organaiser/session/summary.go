package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
)

// NoResponseFiller is the synthetic turn sent when the user stayed silent.
// It carries no information and is left out of summaries.
const NoResponseFiller = "SYSTEM: No response within given period."

// emptyTranscript stands in for a region with nothing to summarise, so the
// region is still replaced by a single marker.
const emptyTranscript = "(nothing was said in this part of the conversation)"

// ShouldSummarise reports whether more messages than the threshold have
// accumulated since the last summary marker.
func (s *Session) ShouldSummarise() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.shouldSummarise()
}

func (s *Session) shouldSummarise() bool {
	if s.settings.SummariseThreshold <= 0 {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := len(s.history) - 1; i > 0; i-- {
		if s.history[i].IsSummary() {
			break
		}
		count++
	}
	return count > s.settings.SummariseThreshold
}

// CreateSummary condenses the messages between the last summary marker and
// the unsummarised tail into a new marker. Running it again without new
// eligible messages changes nothing.
func (s *Session) CreateSummary(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.createSummaryLocked(ctx)
}

func (s *Session) createSummaryLocked(ctx context.Context) error {
	s.mu.RLock()
	history := message.CloneAll(s.history)
	s.mu.RUnlock()

	keep := max(s.settings.UnsummarisedMessages, 0)
	if len(history)-1 <= keep {
		return nil
	}
	cut := len(history) - keep
	middle := history[1:cut]
	tail := history[cut:]

	last := -1
	for i := len(middle) - 1; i >= 0; i-- {
		if middle[i].IsSummary() {
			last = i
			break
		}
	}
	eligible := middle[last+1:]
	if len(eligible) == 0 {
		return nil
	}

	rebuilt := make([]message.Message, 0, 2+last+1+len(tail))
	rebuilt = append(rebuilt, history[0])
	rebuilt = append(rebuilt, middle[:last+1]...)

	transcript := flattenTranscript(eligible)
	if transcript == "" {
		transcript = emptyTranscript
	}
	var seed []message.Message
	if last >= 0 {
		seed = append(seed, message.Assistant(middle[last].Content))
	}
	seed = append(seed, message.User(transcript))

	res, err := s.querier.Query(ctx, seed, s.settings.SummaryPrompt, model.QueryOptions{Shape: model.Text})
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", s.date.Format(DateLayout), err)
	}

	marker := message.Assistant(message.SummaryPrefix + " " + strings.TrimSpace(res.Text))
	ts := s.now()
	marker.Timestamp = &ts
	rebuilt = append(rebuilt, marker)
	rebuilt = append(rebuilt, tail...)

	s.logger.Info("session summarized",
		"summarized", len(eligible),
		"messages_before", len(history),
		"messages_after", len(rebuilt),
	)
	return s.rewriteLocked(rebuilt)
}

// flattenTranscript renders messages as "role: text" lines. Filler turns are
// skipped and assistant JSON replies are reduced to what the user saw.
func flattenTranscript(msgs []message.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if strings.Contains(m.Content, NoResponseFiller) {
			continue
		}
		content := m.Content
		if m.Role == message.RoleAssistant {
			content = visibleText(m.Content)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}

// visibleText projects an assistant reply to its chat text, falling back to
// its reaction. Replies that are not JSON are returned unchanged.
func visibleText(content string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return content
	}
	if chat, ok := obj["chat"].(string); ok {
		return chat
	}
	if react, ok := obj["react"].(string); ok {
		return react
	}
	return ""
}
