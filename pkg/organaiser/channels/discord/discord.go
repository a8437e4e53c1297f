// Package discord implements the Discord delivery channel using discordgo.
//
// Features:
//   - Logical channels (chat, log, diary, query, bugs) resolved by name
//   - Long messages split at 2000 characters with code fences preserved
//   - Attachments downloaded and uploaded as files
//   - Reactions, typing indicators and presence
//   - Pinned status messages edited in place
//   - Edits and deletions forwarded as events
//   - Retry/Close buttons after a failed turn
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the bot token.
	Token string

	// Channels maps each logical channel to a Discord channel name.
	Channels map[channels.Kind]string

	// GuildID restricts channel lookup to one guild. Empty searches every
	// guild the bot is in.
	GuildID string
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	events     chan channels.Event
	connected  atomic.Bool
	httpClient *http.Client
	components *ComponentRegistry

	mu     sync.RWMutex
	ids    map[channels.Kind]string
	guilds map[string]string // channel id -> guild id
	botID  string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "discord")
	return &Discord{
		cfg:        cfg,
		logger:     l,
		events:     make(chan channels.Event, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		components: NewComponentRegistry(l),
		ids:        make(map[channels.Kind]string),
		guilds:     make(map[string]string),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection and resolves the configured channels.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onMessageUpdate)
	session.AddHandler(d.onMessageDelete)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session

	if err := d.resolveChannels(); err != nil {
		_ = session.Close()
		return err
	}
	d.connected.Store(true)

	user := session.State.User
	d.mu.Lock()
	d.botID = user.ID
	d.mu.Unlock()
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.components.Stop()
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord: close failed", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Has reports whether kind resolved to a Discord channel.
func (d *Discord) Has(kind channels.Kind) bool {
	_, ok := d.channelID(kind)
	return ok
}

// Events returns inbound messages, edits and deletions.
func (d *Discord) Events() <-chan channels.Event { return d.events }

// Send delivers text and attachments to the logical channel.
func (d *Discord) Send(ctx context.Context, kind channels.Kind, msg *channels.OutgoingMessage) (channels.Sent, error) {
	chID, err := d.target(kind)
	if err != nil {
		return channels.Sent{}, err
	}

	files, failed := d.download(ctx, msg.Attachments)
	sent := channels.Sent{Failed: failed}

	var parts []string
	if strings.TrimSpace(msg.Content) != "" {
		parts = channels.Split(msg.Content, channels.MessageLimit)
	}
	if len(parts) == 0 && len(files) == 0 {
		return sent, nil
	}
	if len(parts) == 0 {
		parts = []string{""}
	}

	var last *discordgo.Message
	for i, part := range parts {
		data := &discordgo.MessageSend{Content: part}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: chID}
		}
		if i == len(parts)-1 {
			data.Files = files
		}
		last, err = d.session.ChannelMessageSendComplex(chID, data, discordgo.WithContext(ctx))
		if err != nil {
			return sent, fmt.Errorf("discord: send to %s: %w", kind, err)
		}
	}
	sent.ID = last.ID
	sent.Link = d.jumpLink(chID, last.ID)
	return sent, nil
}

// React adds an emoji reaction to a message.
func (d *Discord) React(ctx context.Context, kind channels.Kind, messageID, emoji string) error {
	chID, err := d.target(kind)
	if err != nil {
		return err
	}
	if err := d.session.MessageReactionAdd(chID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: react %s: %w", emoji, err)
	}
	return nil
}

// UpsertPinned edits the pinned message starting with header or sends and
// pins a new one.
func (d *Discord) UpsertPinned(ctx context.Context, kind channels.Kind, header, text string) error {
	chID, err := d.target(kind)
	if err != nil {
		return err
	}
	text = truncate(text, channels.MessageLimit)

	pins, err := d.session.ChannelMessagesPinned(chID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: list pins: %w", err)
	}
	for _, pin := range pins {
		if matchesHeader(pin.Content, header) {
			if pin.Content == text {
				return nil
			}
			if _, err := d.session.ChannelMessageEdit(chID, pin.ID, text, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("discord: edit pinned %q: %w", header, err)
			}
			return nil
		}
	}

	m, err := d.session.ChannelMessageSend(chID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send pinned %q: %w", header, err)
	}
	if err := d.session.ChannelMessagePin(chID, m.ID, discordgo.WithContext(ctx)); err != nil {
		d.logger.Warn("discord: pin failed", "header", header, "error", err)
		_, _ = d.session.ChannelMessageSend(chID, "⚠️ **Error**: pinning failed, please pin the above message manually")
	}
	return nil
}

// SetPresence updates the bot status.
func (d *Discord) SetPresence(ctx context.Context, p channels.Presence) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	return d.session.UpdateStatusComplex(discordgo.UpdateStatusData{Status: string(p)})
}

// Typing shows the typing indicator.
func (d *Discord) Typing(ctx context.Context, kind channels.Kind) error {
	chID, err := d.target(kind)
	if err != nil {
		return err
	}
	return d.session.ChannelTyping(chID, discordgo.WithContext(ctx))
}

// MissedSince pages through the messages posted after afterID.
func (d *Discord) MissedSince(ctx context.Context, kind channels.Kind, afterID string) ([]*channels.IncomingMessage, error) {
	chID, err := d.target(kind)
	if err != nil {
		return nil, err
	}
	if _, err := d.session.ChannelMessage(chID, afterID, discordgo.WithContext(ctx)); err != nil {
		// The anchor may have been deleted.
		return nil, fmt.Errorf("discord: fetch anchor %s: %w", afterID, err)
	}

	var all []*discordgo.Message
	after := afterID
	for {
		batch, err := d.session.ChannelMessages(chID, 100, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord: history after %s: %w", after, err)
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
		after = newestID(batch)
	}
	slices.SortFunc(all, func(a, b *discordgo.Message) int { return compareSnowflakes(a.ID, b.ID) })

	var out []*channels.IncomingMessage
	for _, m := range all {
		if m.Author == nil || m.Author.ID == d.selfID() {
			continue
		}
		if m.Content == "" && len(m.Attachments) == 0 {
			continue
		}
		out = append(out, d.incoming(kind, m))
	}
	return out, nil
}

// AskRetry posts text with Retry and Close buttons and waits for a click.
// The prompt is deleted afterwards.
func (d *Discord) AskRetry(ctx context.Context, kind channels.Kind, text string) (bool, error) {
	chID, err := d.target(kind)
	if err != nil {
		return false, err
	}

	id := uuid.NewString()
	retryID, closeID := "retry:"+id, "close:"+id
	choice := make(chan bool, 1)
	answer := func(v bool) ComponentHandler {
		return func(context.Context, *InteractionEvent) (string, error) {
			select {
			case choice <- v:
			default:
			}
			return "", nil
		}
	}
	d.components.Register(retryID, ComponentSpec{Handler: answer(true)})
	d.components.Register(closeID, ComponentSpec{Handler: answer(false)})
	defer d.components.Unregister(retryID, closeID)

	prompt, err := d.session.ChannelMessageSendComplex(chID, &discordgo.MessageSend{
		Content: truncate(text, channels.MessageLimit),
		Components: []discordgo.MessageComponent{ButtonRow(
			Button{CustomID: retryID, Label: "Retry", Style: discordgo.PrimaryButton},
			Button{CustomID: closeID, Label: "Close", Style: discordgo.SecondaryButton},
		)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("discord: send retry prompt: %w", err)
	}
	defer func() {
		if err := d.session.ChannelMessageDelete(chID, prompt.ID); err != nil {
			d.logger.Debug("discord: delete retry prompt failed", "error", err)
		}
	}()

	select {
	case retry := <-choice:
		return retry, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ---------- Event Handlers ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	kind, ok := d.kindOf(m.ChannelID)
	if !ok || (kind != channels.KindChat && kind != channels.KindQuery) {
		return
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return
	}
	d.emit(channels.Event{Type: channels.EventMessage, Kind: kind, Message: d.incoming(kind, m.Message)})
}

func (d *Discord) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed resolution arrives as an update without an edit timestamp.
	if m.Message == nil || m.EditedTimestamp == nil {
		return
	}
	kind, ok := d.kindOf(m.ChannelID)
	if !ok || kind != channels.KindChat {
		return
	}
	content := m.Content
	keep := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		keep = append(keep, a.ID)
	}
	d.emit(channels.Event{
		Type:            channels.EventEdit,
		Kind:            kind,
		MessageID:       m.ID,
		Content:         &content,
		KeepAttachments: keep,
	})
}

func (d *Discord) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	kind, ok := d.kindOf(m.ChannelID)
	if !ok || kind != channels.KindChat {
		return
	}
	d.emit(channels.Event{Type: channels.EventDelete, Kind: kind, MessageID: m.ID})
}

// onInteractionCreate handles button clicks.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	customID := i.MessageComponentData().CustomID
	spec, ok := d.components.Get(customID)
	if !ok {
		respondEphemeral(s, i, "Unknown or expired component.")
		return
	}

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		respondEphemeral(s, i, "Could not identify user.")
		return
	}
	if !spec.IsAllowed(user.ID) {
		respondEphemeral(s, i, "You are not allowed to use this component.")
		return
	}

	evt := &InteractionEvent{
		CustomID:  customID,
		UserID:    user.ID,
		Username:  user.Username,
		ChannelID: i.ChannelID,
	}
	if i.Message != nil {
		evt.MessageID = i.Message.ID
	}

	// Acknowledge within Discord's 3s limit.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		d.logger.Warn("discord: failed to ack interaction", "custom_id", customID, "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()

		content, err := spec.Handler(ctx, evt)
		if err != nil {
			content = "Error: " + err.Error()
			d.logger.Warn("discord: component handler error", "custom_id", customID, "error", err)
		}
		if content == "" {
			return
		}
		empty := []discordgo.MessageComponent{}
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
			Content:    &content,
			Components: &empty,
		}); err != nil {
			d.logger.Warn("discord: failed to edit interaction response", "custom_id", customID, "error", err)
		}
	}()
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// ---------- Internal ----------

func (d *Discord) resolveChannels() error {
	var guildIDs []string
	if d.cfg.GuildID != "" {
		guildIDs = []string{d.cfg.GuildID}
	} else {
		for _, g := range d.session.State.Guilds {
			guildIDs = append(guildIDs, g.ID)
		}
	}

	var all []*discordgo.Channel
	for _, gid := range guildIDs {
		chans, err := d.session.GuildChannels(gid)
		if err != nil {
			return fmt.Errorf("discord: list channels of guild %s: %w", gid, err)
		}
		all = append(all, chans...)
	}

	ids, guilds := matchChannels(d.cfg.Channels, all)
	for kind, name := range d.cfg.Channels {
		if _, ok := ids[kind]; !ok && name != "" {
			d.logger.Warn("discord: channel not found", "kind", kind, "name", name)
		}
	}

	d.mu.Lock()
	d.ids, d.guilds = ids, guilds
	d.mu.Unlock()
	return nil
}

// matchChannels maps each logical channel to the first text channel with
// the configured name.
func matchChannels(names map[channels.Kind]string, all []*discordgo.Channel) (map[channels.Kind]string, map[string]string) {
	ids := make(map[channels.Kind]string)
	guilds := make(map[string]string)
	for kind, name := range names {
		if name == "" {
			continue
		}
		name = strings.TrimPrefix(name, "#")
		for _, ch := range all {
			if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
				ids[kind] = ch.ID
				guilds[ch.ID] = ch.GuildID
				break
			}
		}
	}
	return ids, guilds
}

func (d *Discord) target(kind channels.Kind) (string, error) {
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	id, ok := d.channelID(kind)
	if !ok {
		return "", fmt.Errorf("discord %s: %w", kind, channels.ErrNoChannel)
	}
	return id, nil
}

func (d *Discord) channelID(kind channels.Kind) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.ids[kind]
	return id, ok
}

func (d *Discord) kindOf(channelID string) (channels.Kind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for kind, id := range d.ids {
		if id == channelID {
			return kind, true
		}
	}
	return "", false
}

func (d *Discord) selfID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.botID
}

func (d *Discord) jumpLink(channelID, messageID string) string {
	d.mu.RLock()
	guildID := d.guilds[channelID]
	d.mu.RUnlock()
	return jumpLink(guildID, channelID, messageID)
}

func (d *Discord) incoming(kind channels.Kind, m *discordgo.Message) *channels.IncomingMessage {
	in := &channels.IncomingMessage{
		ID:        m.ID,
		Kind:      kind,
		Author:    displayName(m),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Link:      d.jumpLink(m.ChannelID, m.ID),
	}
	for _, a := range m.Attachments {
		in.Attachments = append(in.Attachments, message.Attachment{URL: a.URL, ContentType: a.ContentType, ID: a.ID})
	}
	return in
}

func (d *Discord) emit(evt channels.Event) {
	select {
	case d.events <- evt:
	default:
		d.logger.Warn("discord: event buffer full, dropping event", "type", evt.Type, "msg_id", evt.MessageID)
	}
}

// download fetches attachments for upload. Failures are reported per index
// and do not stop the message.
func (d *Discord) download(ctx context.Context, attachments []message.Attachment) ([]*discordgo.File, []channels.AttachmentError) {
	var files []*discordgo.File
	var failed []channels.AttachmentError
	for i, a := range attachments {
		data, err := a.Read(ctx, d.httpClient)
		if err != nil {
			failed = append(failed, channels.AttachmentError{Index: i, Err: err})
			continue
		}
		files = append(files, &discordgo.File{
			Name:        a.Filename(),
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(data),
		})
	}
	return files, failed
}

// jumpLink returns the URL of a message. Direct messages have no guild.
func jumpLink(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// displayName prefers the server nickname, then the global name.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// matchesHeader reports whether a pinned message belongs to header.
func matchesHeader(content, header string) bool {
	return content == header || strings.HasPrefix(content, header+"\n")
}

// compareSnowflakes orders Discord ids numerically.
func compareSnowflakes(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

func newestID(msgs []*discordgo.Message) string {
	newest := ""
	for _, m := range msgs {
		if newest == "" || compareSnowflakes(m.ID, newest) > 0 {
			newest = m.ID
		}
	}
	return newest
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

var _ channels.Channel = (*Discord)(nil)
