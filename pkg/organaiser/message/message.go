// Package message defines the conversation message types shared by the
// session log, the model adapters and the delivery layer.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SummaryPrefix marks an assistant message that summarises older history.
const SummaryPrefix = "Summary of previous messages:"

// Attachment references a file attached to a message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`

	// ID is the delivery-layer identifier of the attachment, when known.
	// Edits that drop attachments are matched against it.
	ID string `json:"id,omitempty"`
}

// IsImage reports whether the attachment has an image content type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// Message is one entry of a conversation. It is also the on-disk JSONL
// record of the session log.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ID          string       `json:"id,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// System returns a system message with the given content.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User returns a user message with the given content.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant returns an assistant message with the given content.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// IsSummary reports whether the message is a summary marker.
func (m Message) IsSummary() bool {
	return m.Role == RoleAssistant && strings.HasPrefix(m.Content, SummaryPrefix)
}

// Attach appends an attachment to the message.
func (m *Message) Attach(url, contentType string) {
	m.Attachments = append(m.Attachments, Attachment{URL: url, ContentType: contentType})
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Timestamp != nil {
		ts := *m.Timestamp
		out.Timestamp = &ts
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// ParseJSON decodes the message content as a JSON object.
func (m Message) ParseJSON() (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(m.Content), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Parse decodes one JSONL record and validates its role.
func Parse(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return Message{}, fmt.Errorf("unexpected role %q", m.Role)
	}
	return m, nil
}

// CloneAll deep-copies a slice of messages.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
