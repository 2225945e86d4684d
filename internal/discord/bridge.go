// Package discord bridges a Discord text channel (and optionally a voice
// channel) onto the conversation handler. Channel messages become
// text-input turns; the assistant's reply is collected per turn and
// posted back as a single message, with synthesized audio played into
// the voice channel when one is configured.
package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/korahq/kora/internal/conversation"
)

// ClientIDPrefix marks bridge-owned client ids in the transport mux.
const ClientIDPrefix = "discord-"

// playbackAckWindow bounds how long the bridge waits for the handler to
// start listening for the playback acknowledgement before giving up.
const playbackAckWindow = 5 * time.Second

// Config holds bridge settings.
type Config struct {
	// Token is the raw bot token, without the "Bot " prefix.
	Token string

	// ChannelID is the text channel the assistant reads and writes.
	ChannelID string

	// GuildID and VoiceChannelID enable voice playback when both are
	// set.
	GuildID        string
	VoiceChannelID string
}

// Compile-time assertion that Bridge satisfies conversation.Transport.
var _ conversation.Transport = (*Bridge)(nil)

// Bridge owns the discordgo session and translates between Discord
// events and conversation messages. It implements
// [conversation.Transport] for its own client id.
type Bridge struct {
	log       *slog.Logger
	session   *discordgo.Session
	handler   *conversation.Handler
	channelID string
	clientID  string
	voice     *VoiceSink

	mu      sync.Mutex
	pending []string
}

// Option is a functional option for Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// New connects to the Discord gateway and starts listening on the
// configured channel. handler receives the bridged turns.
func New(cfg Config, handler *conversation.Handler, opts ...Option) (*Bridge, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildVoiceStates

	b := &Bridge{
		log:       slog.Default(),
		session:   session,
		handler:   handler,
		channelID: cfg.ChannelID,
		clientID:  ClientIDPrefix + cfg.ChannelID,
	}
	for _, o := range opts {
		o(b)
	}

	session.AddHandler(b.onMessageCreate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		sink, err := NewVoiceSink(session, cfg.GuildID, cfg.VoiceChannelID)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		if err := sink.Join(); err != nil {
			_ = session.Close()
			return nil, err
		}
		b.voice = sink
	}

	return b, nil
}

// ClientID returns the bridge's conversation client id.
func (b *Bridge) ClientID() string { return b.clientID }

// onMessageCreate forwards channel messages as text-input turns.
func (b *Bridge) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.ChannelID != b.channelID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}
	b.handler.OnMessage(context.Background(), b.clientID, conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: text,
	})
}

// Send implements conversation.Transport for the bridge's client id.
// Display text accumulates per turn and is flushed as one Discord
// message; audio plays into the voice sink as it arrives, so the ordered
// delivery of the synthesis manager carries through to playback.
func (b *Bridge) Send(_ context.Context, _ string, msg any) error {
	switch m := msg.(type) {
	case conversation.AudioMessage:
		if m.DisplayText != "" {
			b.mu.Lock()
			b.pending = append(b.pending, m.DisplayText)
			b.mu.Unlock()
		}
		if b.voice != nil && m.Audio != "" {
			wavData, err := base64.StdEncoding.DecodeString(m.Audio)
			if err != nil {
				return fmt.Errorf("discord: decode audio payload: %w", err)
			}
			if err := b.voice.Play(wavData); err != nil {
				return err
			}
		}
		return nil

	case conversation.SynthCompleteMessage:
		// Playback is synchronous, so everything has been voiced by now.
		// Acknowledge once the handler is waiting for the signal.
		go b.ackPlayback()
		return nil

	case conversation.ForceNewMessage:
		return b.flush()

	case conversation.ControlMessage:
		if m.Action == conversation.ActionChainEnd {
			return b.flush()
		}
		return nil

	case conversation.ErrorMessage:
		return b.post("Something went wrong: " + m.Message)

	case conversation.InterruptSignalMessage:
		return b.flush()

	default:
		// Thinking placeholders, transcription echoes and tool status
		// updates have no Discord rendering.
		return nil
	}
}

// Broadcast implements conversation.Transport.
func (b *Bridge) Broadcast(ctx context.Context, clientIDs []string, msg any) {
	for _, id := range clientIDs {
		if err := b.Send(ctx, id, msg); err != nil {
			b.log.Warn("discord delivery failed", "client", id, "error", err)
		}
	}
}

// ackPlayback delivers the playback acknowledgement once the handler has
// registered its waiter. Sending immediately would race the handler,
// which starts waiting only after the synth-complete send returns.
func (b *Bridge) ackPlayback() {
	deadline := time.Now().Add(playbackAckWindow)
	for time.Now().Before(deadline) {
		if b.handler.Gate().ActiveWaiters(b.clientID) > 0 {
			b.handler.OnMessage(context.Background(), b.clientID, conversation.Inbound{
				Type: conversation.TypePlaybackComplete,
			})
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	b.log.Debug("no playback waiter appeared", "client", b.clientID)
}

// flush posts the accumulated turn text as one Discord message.
func (b *Bridge) flush() error {
	b.mu.Lock()
	text := strings.Join(b.pending, " ")
	b.pending = nil
	b.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil
	}
	return b.post(text)
}

func (b *Bridge) post(text string) error {
	if _, err := b.session.ChannelMessageSend(b.channelID, text); err != nil {
		return fmt.Errorf("discord: send channel message: %w", err)
	}
	return nil
}

// Close leaves the voice channel and closes the gateway session.
func (b *Bridge) Close() error {
	if b.voice != nil {
		_ = b.voice.Close()
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}
