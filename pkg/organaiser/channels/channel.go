// Package channels defines the delivery layer of the assistant. A Channel
// carries the conversation to the user (Discord or a local console) and
// reports inbound messages, edits and deletions as events.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// Kind names one of the logical channels the assistant writes to.
type Kind string

const (
	KindChat  Kind = "chat"
	KindLog   Kind = "log"
	KindDiary Kind = "diary"
	KindQuery Kind = "query"
	KindBugs  Kind = "bugs"
)

// AllKinds lists every logical channel.
var AllKinds = []Kind{KindChat, KindLog, KindDiary, KindQuery, KindBugs}

// Presence is the status shown for the assistant.
type Presence string

const (
	PresenceOnline Presence = "online"
	PresenceIdle   Presence = "idle"
	// PresenceBusy is shown while a rollover is in progress.
	PresenceBusy Presence = "dnd"
)

// MessageLimit is the maximum length of one delivered message.
const MessageLimit = 2000

// Channel is a delivery backend.
type Channel interface {
	// Name returns the backend identifier, e.g. "discord".
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error

	// Has reports whether the logical channel is configured.
	Has(kind Kind) bool

	// Send delivers a message, splitting long text. The returned Sent
	// describes the last message delivered.
	Send(ctx context.Context, kind Kind, msg *OutgoingMessage) (Sent, error)

	React(ctx context.Context, kind Kind, messageID, emoji string) error

	// UpsertPinned edits the pinned message starting with header, or sends
	// and pins text if there is none.
	UpsertPinned(ctx context.Context, kind Kind, header, text string) error

	SetPresence(ctx context.Context, p Presence) error
	Typing(ctx context.Context, kind Kind) error

	// MissedSince returns messages posted after the message with the given
	// id, oldest first. Messages by the assistant itself are skipped.
	MissedSince(ctx context.Context, kind Kind, afterID string) ([]*IncomingMessage, error)

	// AskRetry shows an error with a retry affordance and reports whether
	// the user asked to retry.
	AskRetry(ctx context.Context, kind Kind, text string) (bool, error)

	// Events emits inbound messages, edits and deletions.
	Events() <-chan Event
}

// OutgoingMessage is a message to deliver.
type OutgoingMessage struct {
	Content string

	// Attachments are fetched and uploaded with the last part of the
	// message.
	Attachments []message.Attachment

	// ReplyTo is the id of a message to reply to.
	ReplyTo string
}

// Sent identifies a delivered message.
type Sent struct {
	ID string
	// Link is a jump URL to the message, when the backend has one.
	Link string
	// Failed lists the attachments that could not be delivered.
	Failed []AttachmentError
}

// AttachmentError records one attachment that failed to deliver.
type AttachmentError struct {
	Index int
	Err   error
}

// IncomingMessage is a message posted by the user.
type IncomingMessage struct {
	ID          string
	Kind        Kind
	Author      string
	Content     string
	Timestamp   time.Time
	Attachments []message.Attachment
	Link        string
}

// EventType identifies an inbound event.
type EventType string

const (
	EventMessage EventType = "message"
	EventEdit    EventType = "edit"
	EventDelete  EventType = "delete"
)

// Event is an inbound notification from a channel.
type Event struct {
	Type EventType
	Kind Kind

	// Message is set for EventMessage.
	Message *IncomingMessage

	// MessageID is the edited or deleted message.
	MessageID string

	// Content is the new text of an edit, nil if unchanged.
	Content *string

	// KeepAttachments lists the attachment ids that survive an edit, nil if
	// attachments did not change.
	KeepAttachments []string
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrNoChannel           = errors.New("channel is not configured")
)
