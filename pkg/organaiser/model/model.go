// Package model implements the language-model query contract: a provider
// adapter behind a small interface, and a Client that extracts and validates
// structured replies, escalating the sampling temperature on every failed
// attempt.
package model

import (
	"context"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// Shape is the expected shape of a model reply.
type Shape int

const (
	// Text accepts any reply.
	Text Shape = iota
	// Object expects a JSON object.
	Object
	// Array expects a JSON array.
	Array
)

func (s Shape) String() string {
	switch s {
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "text"
	}
}

// brackets returns the opening and closing delimiters of a JSON shape.
func (s Shape) brackets() (opening, closing byte) {
	if s == Array {
		return '[', ']'
	}
	return '{', '}'
}

// Request is one provider call.
type Request struct {
	System      string
	Messages    []message.Message
	Temperature float64
	MaxTokens   int
}

// Model is a provider adapter. Complete returns the raw reply text.
type Model interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
