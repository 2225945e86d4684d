package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/korahq/kora/internal/observe"
)

// Turn modes for logs and metrics.
const (
	modeSingle = "single"
	modeGroup  = "group"
)

// DefaultProactivePrompt is the synthetic input used for ai-speak-signal
// turns.
const DefaultProactivePrompt = "Please say something."

// turnSlot is one active turn. Slots are keyed by group id when the
// initiating client belongs to a group of at least two members, otherwise
// by client id, which gives mutual exclusion at exactly the right
// granularity.
type turnSlot struct {
	key      string
	owner    string // initiating client
	mode     string
	group    *GroupState // nil for single turns
	cancel   context.CancelFunc
	done     chan struct{}
	progress *turnProgress
}

// Handler routes inbound client messages: synchronous responses go to the
// gate, triggers dispatch turns, interrupts cancel them. It owns the task
// slots that guarantee at most one active turn per client or group.
type Handler struct {
	log       *slog.Logger
	transport Transport
	engine    Engine
	synth     Synthesizer
	stt       Transcriber
	corrector Corrector
	history   HistoryStore
	memory    MemoryIndex
	metrics   *observe.Metrics

	gate   *Gate
	groups *GroupRegistry

	persona         string
	proactivePrompt string
	playbackTimeout time.Duration
	synthConcurrent int
	historyWindow   int
	memoryTopK      int
	groupRounds     int

	mu    sync.Mutex
	slots map[string]*turnSlot
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithTranscriber enables speech input.
func WithTranscriber(tr Transcriber) HandlerOption {
	return func(h *Handler) { h.stt = tr }
}

// WithCorrector post-processes recognized speech.
func WithCorrector(c Corrector) HandlerOption {
	return func(h *Handler) { h.corrector = c }
}

// WithHistory enables transcript persistence.
func WithHistory(s HistoryStore) HandlerOption {
	return func(h *Handler) { h.history = s }
}

// WithMemory enables long-term memory with topK retrieved snippets per
// turn.
func WithMemory(idx MemoryIndex, topK int) HandlerOption {
	return func(h *Handler) {
		h.memory = idx
		if topK > 0 {
			h.memoryTopK = topK
		}
	}
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithPersona sets the assistant's display name used in transcripts.
func WithPersona(name string) HandlerOption {
	return func(h *Handler) {
		if name != "" {
			h.persona = name
		}
	}
}

// WithProactivePrompt overrides the synthetic ai-speak-signal input.
func WithProactivePrompt(prompt string) HandlerOption {
	return func(h *Handler) {
		if prompt != "" {
			h.proactivePrompt = prompt
		}
	}
}

// WithPlaybackTimeout bounds the end-of-turn wait for playback
// confirmation.
func WithPlaybackTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.playbackTimeout = d
		}
	}
}

// WithSynthConcurrency bounds parallel synthesis per turn.
func WithSynthConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.synthConcurrent = n
		}
	}
}

// WithHistoryWindow sets how many recent transcript lines feed each turn.
func WithHistoryWindow(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.historyWindow = n
		}
	}
}

// WithGroupRounds limits group rotations per trigger. Zero means the
// rotation runs until cancelled or the group shrinks below two members.
func WithGroupRounds(n int) HandlerOption {
	return func(h *Handler) { h.groupRounds = n }
}

// NewHandler builds a Handler. transport, engine and synth are required;
// everything else is optional.
func NewHandler(transport Transport, engine Engine, synth Synthesizer, opts ...HandlerOption) *Handler {
	h := &Handler{
		log:             slog.Default(),
		transport:       transport,
		engine:          engine,
		synth:           synth,
		gate:            NewGate(),
		groups:          NewGroupRegistry(),
		persona:         "Kora",
		proactivePrompt: DefaultProactivePrompt,
		playbackTimeout: DefaultPlaybackTimeout,
		synthConcurrent: defaultMaxConcurrentSynth,
		historyWindow:   10,
		memoryTopK:      5,
		slots:           make(map[string]*turnSlot),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Gate exposes the sync gate, mainly for diagnostics and tests.
func (h *Handler) Gate() *Gate { return h.gate }

// Groups exposes the group registry.
func (h *Handler) Groups() *GroupRegistry { return h.groups }

// instrumentedTranscriber records STT stage latency around the wrapped
// transcriber.
type instrumentedTranscriber struct {
	tr      Transcriber
	metrics *observe.Metrics
}

func (t instrumentedTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	start := time.Now()
	text, err := t.tr.Transcribe(ctx, pcm, sampleRate)
	t.metrics.RecordTranscription(ctx, time.Since(start).Seconds())
	return text, err
}

// transcriber returns the configured transcriber wrapped with stage
// metrics, or nil when speech input is not enabled.
func (h *Handler) transcriber() Transcriber {
	if h.stt == nil {
		return nil
	}
	return instrumentedTranscriber{tr: h.stt, metrics: h.metrics}
}

// newManager builds a per-turn TTS manager whose synthesizer records
// stage metrics.
func (h *Handler) newManager() *TTSManager {
	synth := h.synth
	instrumented := func(ctx context.Context, text string) ([]byte, int, error) {
		start := time.Now()
		wav, rate, err := synth(ctx, text)
		h.metrics.RecordSynthesis(ctx, time.Since(start).Seconds(), err != nil)
		return wav, rate, err
	}
	return NewTTSManager(instrumented, WithMaxConcurrentSynth(h.synthConcurrent))
}

// OnMessage routes one decoded inbound message from client. It never
// blocks on turn work; turns run in their own goroutines.
func (h *Handler) OnMessage(ctx context.Context, client string, msg Inbound) {
	switch msg.Type {
	case TypePlaybackComplete:
		if !h.gate.Deliver(client, msg) {
			h.log.Debug("dropped unmatched sync message",
				"client", client, "kind", msg.Type)
		}

	case TypeTextInput:
		if strings.TrimSpace(msg.Text) == "" {
			h.log.Debug("ignoring empty text input", "client", client)
			return
		}
		h.dispatch(ctx, client, msg, TurnMetadata{})

	case TypeMicAudioEnd:
		if msg.Audio == "" {
			h.log.Warn("mic-audio-end without audio data", "client", client)
			return
		}
		h.dispatch(ctx, client, msg, TurnMetadata{})

	case TypeAISpeakSignal:
		msg.Text = h.proactivePrompt
		msg.Audio = ""
		h.dispatch(ctx, client, msg, ProactiveMetadata())

	case TypeInterrupt:
		h.Interrupt(ctx, client, msg.Text)

	case TypeGroupJoin:
		if msg.Group == "" {
			h.log.Warn("group-join without group name", "client", client)
			return
		}
		g := h.groups.Join(client, msg.Group)
		if g.MemberCount() == 2 {
			h.metrics.AddActiveGroups(ctx, 1)
		}
		h.log.Info("client joined group",
			"client", client, "group", g.Name(), "members", g.MemberCount())

	case TypeGroupLeave:
		h.removeFromGroup(ctx, client)

	default:
		if msg.RequestID != "" {
			if !h.gate.Deliver(client, msg) {
				h.log.Debug("dropped unmatched sync message",
					"client", client, "kind", msg.Type, "request_id", msg.RequestID)
			}
			return
		}
		h.log.Debug("unknown message type", "client", client, "type", msg.Type)
	}
}

// dispatch starts a turn unless one is already active for the slot. The
// check and the slot creation are a single critical section, so two
// near-simultaneous triggers can never both start.
func (h *Handler) dispatch(ctx context.Context, client string, in Inbound, meta TurnMetadata) {
	slotKey := client
	mode := modeSingle
	var group *GroupState
	if g, ok := h.groups.GroupOf(client); ok && g.MemberCount() >= 2 {
		group = g
		slotKey = g.ID()
		mode = modeGroup
	}

	tctx, cancel := context.WithCancel(context.Background())
	slot := &turnSlot{
		key:      slotKey,
		owner:    client,
		mode:     mode,
		group:    group,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: &turnProgress{},
	}

	h.mu.Lock()
	if _, busy := h.slots[slotKey]; busy {
		h.mu.Unlock()
		cancel()
		h.metrics.RecordTurnRejected(ctx, mode)
		h.log.Debug("trigger rejected, turn already active",
			"client", client, "slot", slotKey)
		if err := h.transport.Send(ctx, client, Error("a conversation is already in progress")); err != nil {
			h.log.Warn("failed to send busy rejection", "client", client, "error", err)
		}
		return
	}
	h.slots[slotKey] = slot
	h.mu.Unlock()

	h.metrics.RecordTurnStarted(ctx, mode)
	go h.runSlot(tctx, slot, in, meta)
}

// runSlot executes a turn and releases its slot when done.
func (h *Handler) runSlot(ctx context.Context, slot *turnSlot, in Inbound, meta TurnMetadata) {
	start := time.Now()

	var err error
	if slot.group != nil {
		err = h.runGroupTurn(ctx, slot.group, slot.owner, in, meta, slot.progress)
	} else {
		send := h.sendTo(slot.owner)
		err = h.runSingleTurn(ctx, slot.owner, send, in, meta, slot.progress)
	}

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "interrupted"
		h.log.Debug("turn cancelled", "slot", slot.key)
	default:
		outcome = "error"
		h.log.Error("turn failed", "slot", slot.key, "error", err)
	}
	h.metrics.RecordTurnFinished(context.Background(), slot.mode, outcome, time.Since(start).Seconds())

	h.mu.Lock()
	if h.slots[slot.key] == slot {
		delete(h.slots, slot.key)
	}
	h.mu.Unlock()
	slot.cancel()
	close(slot.done)
}

// slotFor finds the active slot a client can interrupt: its own single
// turn, or its group's turn.
func (h *Handler) slotFor(client string) *turnSlot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.slots[client]; ok {
		return slot
	}
	if g, ok := h.groups.GroupOf(client); ok {
		if slot, ok := h.slots[g.ID()]; ok {
			return slot
		}
	}
	return nil
}

// Interrupt cancels the turn client is involved in, persists what was
// said so far with the interruption marker, notifies all participants
// and releases the turn state. heard is the frontend's account of how
// much of the response was actually played; when empty the accumulated
// text is used instead.
func (h *Handler) Interrupt(ctx context.Context, client, heard string) {
	slot := h.slotFor(client)
	if slot == nil {
		h.log.Debug("interrupt with no active turn", "client", client)
		return
	}

	var speaker string
	if slot.group != nil {
		speaker = slot.group.Current()
	}

	slot.cancel()
	<-slot.done

	partial := strings.TrimSpace(heard)
	if partial == "" {
		partial = slot.progress.Text()
	}

	if partial != "" && slot.progress.TryMarkPersisted() {
		if slot.group != nil {
			if speaker == "" {
				speaker = slot.owner
			}
			slot.group.AppendLine(speaker, partial+" "+MarkerInterrupted)
		} else if h.history != nil {
			if err := h.history.AppendAssistant(ctx, slot.owner, partial, MarkerInterrupted); err != nil {
				h.log.Warn("failed to persist interrupted response",
					"client", slot.owner, "error", err)
			}
		}
	}

	h.engine.HandleInterrupt(ctx, partial)

	if slot.group != nil {
		members := slot.group.Members()
		h.transport.Broadcast(ctx, members, InterruptSignal(partial))
		h.transport.Broadcast(ctx, members, Control(ActionChainEnd))
		slot.group.ClearTurn()
	} else {
		send := h.sendTo(slot.owner)
		_ = send(ctx, InterruptSignal(partial))
		_ = send(ctx, Control(ActionChainEnd))
	}

	h.log.Info("turn interrupted", "client", client, "slot", slot.key,
		"heard_len", len(partial))
}

// removeFromGroup handles both explicit group-leave messages and the
// group side of a disconnect.
func (h *Handler) removeFromGroup(ctx context.Context, client string) {
	g, wasCurrent := h.groups.Leave(client)
	if g == nil {
		return
	}
	if g.MemberCount() == 1 {
		h.metrics.AddActiveGroups(ctx, -1)
	}
	h.log.Info("client left group",
		"client", client, "group", g.Name(),
		"was_speaking", wasCurrent, "members", g.MemberCount())
}

// DisconnectClient tears down everything a departed client holds: sync
// waiters are released, an owned single turn is cancelled and awaited,
// and group membership is removed (cancelling the member turn if the
// client was speaking).
func (h *Handler) DisconnectClient(ctx context.Context, client string) {
	h.gate.ReleaseClient(client)

	h.mu.Lock()
	slot := h.slots[client]
	h.mu.Unlock()
	if slot != nil {
		slot.cancel()
		<-slot.done
	}

	h.removeFromGroup(ctx, client)
	h.log.Debug("client cleaned up", "client", client)
}

// Busy reports whether a turn is currently active for client's slot.
func (h *Handler) Busy(client string) bool {
	return h.slotFor(client) != nil
}

// Shutdown cancels every active turn and waits for them to settle or ctx
// to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	slots := make([]*turnSlot, 0, len(h.slots))
	for _, s := range h.slots {
		slots = append(slots, s)
	}
	h.mu.Unlock()

	for _, s := range slots {
		s.cancel()
	}
	for _, s := range slots {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sendTo adapts the transport to a per-client SendFunc.
func (h *Handler) sendTo(client string) SendFunc {
	return func(ctx context.Context, msg any) error {
		return h.transport.Send(ctx, client, msg)
	}
}
