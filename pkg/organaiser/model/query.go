package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

const (
	DefaultTemperature     = 0.7
	DefaultTemperatureStep = 0.1
	DefaultMaxTokens       = 4096
	DefaultRetryDelay      = 250 * time.Millisecond
)

// Settings tunes the query loop.
type Settings struct {
	// Temperature is the initial sampling temperature.
	Temperature float64
	// Step is added to the temperature after every failed attempt.
	Step       float64
	MaxTokens  int
	RetryDelay time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Temperature < 0 {
		s.Temperature = 0
	}
	if s.Step <= 0 {
		s.Step = DefaultTemperatureStep
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	return s
}

// Validator checks a parsed reply. value is a string for Text, a
// map[string]any for Object and a []any for Array.
type Validator func(value any) error

// QueryOptions configures one query.
type QueryOptions struct {
	Shape    Shape
	Validate Validator

	// Temperature overrides the client's initial temperature when set.
	Temperature *float64
}

// Result is a successful query.
type Result struct {
	// Text is the reply as stored in history: the extracted JSON for
	// structured shapes, the raw reply otherwise.
	Text        string
	Value       any
	Temperature float64
	Attempts    int
}

// Object returns the value as a JSON object, or nil.
func (r *Result) Object() map[string]any {
	obj, _ := r.Value.(map[string]any)
	return obj
}

// Array returns the value as a JSON array, or nil.
func (r *Result) Array() []any {
	arr, _ := r.Value.([]any)
	return arr
}

// Client runs queries against a Model.
type Client struct {
	model    Model
	settings Settings
	logger   *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client.
func NewClient(m Model, settings Settings, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		model:    m,
		settings: settings.withDefaults(),
		logger:   logger.With("component", "model", "model", m.Name()),
		sleep:    sleepContext,
	}
}

// Name returns the underlying model name.
func (c *Client) Name() string { return c.model.Name() }

// Settings returns the effective settings.
func (c *Client) Settings() Settings { return c.settings }

// MaxAttempts is the attempt bound for an initial temperature and step:
// one attempt at every temperature from t0 up to and including 1.0.
func MaxAttempts(t0, step float64) int {
	if step <= 0 || t0 >= 1 {
		return 1
	}
	return int(math.Ceil((1-t0)/step-1e-9)) + 1
}

// Query sends msgs with the system prompt and retries until the reply has the
// requested shape and passes validation, or the attempt bound is reached.
func (c *Client) Query(ctx context.Context, msgs []message.Message, system string, opts QueryOptions) (*Result, error) {
	temperature := c.settings.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	attempts := MaxAttempts(temperature, c.settings.Step)

	var (
		lastErr  error
		lastText string
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.settings.RetryDelay); err != nil {
				return nil, err
			}
		}

		raw, err := c.model.Complete(ctx, Request{
			System:      system,
			Messages:    msgs,
			Temperature: temperature,
			MaxTokens:   c.settings.MaxTokens,
		})
		if err == nil {
			lastText = raw
			var res *Result
			res, err = parseReply(raw, opts)
			if err == nil {
				res.Temperature = temperature
				res.Attempts = attempt
				return res, nil
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, fmt.Errorf("query %s: %w", c.model.Name(), err)
		}

		lastErr = err
		c.logger.Warn("model query attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"temperature", temperature,
			"kind", transient.Kind,
			"error", transient.Err,
		)
		temperature = math.Min(temperature+c.settings.Step, 1.0)
	}

	return nil, &InvalidResponseError{Attempts: attempts, Last: lastText, Err: lastErr}
}

// parseReply extracts and validates a reply. Every failure is transient.
func parseReply(raw string, opts QueryOptions) (*Result, error) {
	res := &Result{Text: raw, Value: raw}

	if opts.Shape != Text {
		text, value, err := ExtractJSON(raw, opts.Shape)
		if err != nil {
			return nil, &TransientError{Kind: KindInvalidOutput, Err: err}
		}
		res.Text = text
		res.Value = value
	}

	if opts.Validate != nil {
		if err := opts.Validate(res.Value); err != nil {
			return nil, &TransientError{Kind: KindInvalidOutput, Err: fmt.Errorf("validation: %w", err)}
		}
	}
	return res, nil
}

// ExtractJSON finds the outermost bracket pair of the given shape in raw and
// decodes it. If the first decode fails, line comments are stripped and the
// decode is retried.
func ExtractJSON(raw string, shape Shape) (string, any, error) {
	if shape == Text {
		return raw, raw, nil
	}
	opening, _ := shape.brackets()

	start := strings.IndexByte(raw, opening)
	if start < 0 {
		return "", nil, fmt.Errorf("no %s found in reply", shape)
	}
	raw = raw[start:]

	text, value, err := extractAt(raw, shape)
	if err == nil {
		return text, value, nil
	}

	if stripped := stripLineComments(raw); stripped != raw {
		if text, value, err2 := extractAt(stripped, shape); err2 == nil {
			return text, value, nil
		}
	}
	return "", nil, err
}

// extractAt decodes the bracket pair opening at s[0].
func extractAt(s string, shape Shape) (string, any, error) {
	opening, closing := shape.brackets()

	end := matchBracket(s, 0, opening, closing)
	if end < 0 {
		// Unbalanced: fall back to the last closing bracket.
		end = strings.LastIndexByte(s, closing)
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated %s in reply", shape)
		}
	}
	candidate := s[:end+1]

	value, err := decodeShape(candidate, shape)
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", shape, err)
	}
	return candidate, value, nil
}

func decodeShape(s string, shape Shape) (any, error) {
	switch shape {
	case Array:
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, err
		}
		return obj, nil
	}
}

// matchBracket returns the index of the bracket closing the one at start,
// ignoring brackets inside JSON strings, or -1.
func matchBracket(s string, start int, opening, closing byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripLineComments removes // comments that start outside JSON strings.
func stripLineComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
