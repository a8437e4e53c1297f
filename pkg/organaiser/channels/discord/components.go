package discord

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ComponentSpec defines the behavior of a registered button.
type ComponentSpec struct {
	// AllowedUsers restricts who can click. Empty means anyone.
	AllowedUsers []string

	// TTL is how long the button stays registered. Zero means no expiry.
	TTL time.Duration

	// Handler runs when an allowed user clicks. The returned content
	// replaces the message text; an empty string leaves it unchanged.
	Handler ComponentHandler
}

// ComponentHandler processes a button click.
type ComponentHandler func(ctx context.Context, evt *InteractionEvent) (content string, err error)

// InteractionEvent carries data from a button click.
type InteractionEvent struct {
	CustomID  string
	UserID    string
	Username  string
	ChannelID string
	MessageID string
}

// IsAllowed reports whether userID may use the component.
func (s *ComponentSpec) IsAllowed(userID string) bool {
	return len(s.AllowedUsers) == 0 || slices.Contains(s.AllowedUsers, userID)
}

type registeredComponent struct {
	spec         ComponentSpec
	registeredAt time.Time
}

// ComponentRegistry stores button specs by custom id and expires them.
type ComponentRegistry struct {
	mu         sync.RWMutex
	components map[string]*registeredComponent
	logger     *slog.Logger
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewComponentRegistry creates a registry and starts its cleanup loop.
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ComponentRegistry{
		components: make(map[string]*registeredComponent),
		logger:     logger.With("component", "discord_components"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Register adds or replaces the spec for customID.
func (r *ComponentRegistry) Register(customID string, spec ComponentSpec) {
	if customID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[customID] = &registeredComponent{spec: spec, registeredAt: r.now()}
}

// Unregister removes the specs for the given ids.
func (r *ComponentRegistry) Unregister(customIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range customIDs {
		delete(r.components, id)
	}
}

// Get returns the spec for customID unless it is missing or expired.
func (r *ComponentRegistry) Get(customID string) (*ComponentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.components[customID]
	if !ok || r.expired(reg, r.now()) {
		return nil, false
	}
	spec := reg.spec
	return &spec, true
}

// Len returns the number of registered components.
func (r *ComponentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}

// Stop halts the cleanup loop.
func (r *ComponentRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *ComponentRegistry) expired(reg *registeredComponent, now time.Time) bool {
	return reg.spec.TTL > 0 && now.Sub(reg.registeredAt) > reg.spec.TTL
}

func (r *ComponentRegistry) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanupExpired()
		}
	}
}

func (r *ComponentRegistry) cleanupExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, reg := range r.components {
		if r.expired(reg, now) {
			delete(r.components, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("cleaned up expired components", "count", n)
	}
}

// Button describes one button of a row.
type Button struct {
	CustomID string
	Label    string
	Style    discordgo.ButtonStyle
}

// ButtonRow builds an actions row holding the given buttons.
func ButtonRow(buttons ...Button) discordgo.MessageComponent {
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		style := b.Style
		if style == 0 {
			style = discordgo.PrimaryButton
		}
		row.Components = append(row.Components, discordgo.Button{
			CustomID: b.CustomID,
			Label:    b.Label,
			Style:    style,
		})
	}
	return row
}
