package conversation

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// defaultMaxConcurrentSynth bounds how many synthesis calls run at once.
const defaultMaxConcurrentSynth = 4

// seqResult is a finished payload travelling from a synthesis worker to
// the sender loop.
type seqResult struct {
	seq int
	msg AudioMessage
}

// TTSManager turns sentences into audio-response messages and guarantees
// they reach the client in the order the sentences were spoken, even
// though synthesis runs in parallel and later sentences may finish
// first.
//
// A manager is reusable: Clear cancels everything in flight, resets the
// sequence counters and leaves it ready for the next turn.
type TTSManager struct {
	synth   Synthesizer
	maxConc int64

	mu         sync.Mutex
	genCtx     context.Context
	genCancel  context.CancelFunc
	sem        *semaphore.Weighted
	nextSeq    int // next sequence number to assign
	nextSend   int // next sequence number to hand to the send call
	delivered  int // payloads whose send call has returned
	buffered   map[int]AudioMessage
	results    chan seqResult
	senderOn   bool
	senderDone chan struct{}
	flushed    chan struct{} // signalled (cap 1) whenever nextSend advances
	workers    sync.WaitGroup
}

// ManagerOption configures a TTSManager.
type ManagerOption func(*TTSManager)

// WithMaxConcurrentSynth bounds parallel synthesis calls. Values below 1
// are ignored.
func WithMaxConcurrentSynth(n int) ManagerOption {
	return func(m *TTSManager) {
		if n >= 1 {
			m.maxConc = int64(n)
		}
	}
}

// NewTTSManager creates a manager that synthesizes with synth.
func NewTTSManager(synth Synthesizer, opts ...ManagerOption) *TTSManager {
	m := &TTSManager{
		synth:   synth,
		maxConc: defaultMaxConcurrentSynth,
	}
	for _, o := range opts {
		o(m)
	}
	m.resetLocked()
	return m
}

// resetLocked re-arms the manager for a fresh turn. Callers must hold
// m.mu except during construction.
func (m *TTSManager) resetLocked() {
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	m.sem = semaphore.NewWeighted(m.maxConc)
	m.nextSeq = 0
	m.nextSend = 0
	m.delivered = 0
	m.buffered = make(map[int]AudioMessage)
	m.results = make(chan seqResult, 64)
	m.senderOn = false
	m.senderDone = nil
	m.flushed = make(chan struct{}, 1)
}

// Speak accepts one sentence for synthesis and ordered delivery. The
// sequence number is assigned here, before synthesis starts, so delivery
// order matches acceptance order. Sentences whose speakable text is blank
// are skipped without consuming a sequence number.
//
// Synthesis failures do not break the ordering chain: a sentinel payload
// with empty audio and the original display text is delivered at the
// failed sentence's position.
func (m *TTSManager) Speak(ctx context.Context, s Sentence, send SendFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(s.TTSText) == "" {
		slog.Debug("skipping sentence with no speakable text", "display_text", s.DisplayText)
		return nil
	}

	m.mu.Lock()
	gen := m.genCtx
	sem := m.sem
	results := m.results
	seq := m.nextSeq
	m.nextSeq++
	m.startSenderLocked(send)
	m.mu.Unlock()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()

		msg := AudioMessage{
			Type:        TypeAudioResponse,
			DisplayText: s.DisplayText,
			Actions:     s.Actions,
			Sequence:    seq,
		}

		if err := sem.Acquire(gen, 1); err != nil {
			return
		}
		wav, rate, err := m.synth(gen, s.TTSText)
		sem.Release(1)

		switch {
		case err != nil:
			if gen.Err() != nil {
				return
			}
			slog.Error("synthesis failed, delivering sentinel payload",
				"sequence", seq, "error", err)
			msg.Error = err.Error()
		case len(wav) == 0:
			slog.Warn("synthesis produced no audio", "sequence", seq)
		default:
			msg.Audio = base64.StdEncoding.EncodeToString(wav)
			msg.SampleRate = rate
		}

		select {
		case results <- seqResult{seq: seq, msg: msg}:
		case <-gen.Done():
		}
	}()
	return nil
}

// SpeakAudio routes pre-rendered audio through the same ordered delivery
// path as synthesized sentences.
func (m *TTSManager) SpeakAudio(ctx context.Context, a AudioSegment, send SendFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	gen := m.genCtx
	results := m.results
	seq := m.nextSeq
	m.nextSeq++
	m.startSenderLocked(send)
	m.mu.Unlock()

	msg := AudioMessage{
		Type:        TypeAudioResponse,
		Audio:       base64.StdEncoding.EncodeToString(a.WAV),
		DisplayText: a.DisplayText,
		Actions:     a.Actions,
		Sequence:    seq,
		SampleRate:  a.SampleRate,
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		select {
		case results <- seqResult{seq: seq, msg: msg}:
		case <-gen.Done():
		}
	}()
	return nil
}

// startSenderLocked launches the sender loop on first use. The send
// function of the first accepted payload is used for the whole turn.
func (m *TTSManager) startSenderLocked(send SendFunc) {
	if m.senderOn {
		return
	}
	m.senderOn = true
	m.senderDone = make(chan struct{})
	go m.senderLoop(m.genCtx, m.results, send, m.senderDone)
}

// senderLoop is the single goroutine that delivers payloads. It buffers
// out-of-order completions and only ever sends the next expected
// sequence number, so a slow sentence holds back everything behind it
// and nothing is reordered.
func (m *TTSManager) senderLoop(ctx context.Context, results <-chan seqResult, send SendFunc, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			m.mu.Lock()
			m.buffered[r.seq] = r.msg
			var ready []AudioMessage
			for {
				msg, ok := m.buffered[m.nextSend]
				if !ok {
					break
				}
				delete(m.buffered, m.nextSend)
				m.nextSend++
				ready = append(ready, msg)
			}
			m.mu.Unlock()

			// The delivered counter moves only after send returns, so
			// Drain cannot observe an empty manager while the last
			// payload is still on its way out.
			for _, msg := range ready {
				if err := send(ctx, msg); err != nil {
					slog.Warn("audio delivery failed",
						"sequence", msg.Sequence, "error", err)
				}
				m.mu.Lock()
				m.delivered++
				m.mu.Unlock()
				select {
				case m.flushed <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Drain blocks until the send call has returned for every accepted
// payload, so anything emitted after Drain is guaranteed to trail the
// last audio message on the wire. It returns early with an error when
// ctx is cancelled or the manager is cleared.
func (m *TTSManager) Drain(ctx context.Context) error {
	for {
		m.mu.Lock()
		pending := m.nextSeq - m.delivered
		gen := m.genCtx
		flushed := m.flushed
		m.mu.Unlock()

		if pending <= 0 {
			return nil
		}
		select {
		case <-flushed:
		case <-ctx.Done():
			return ctx.Err()
		case <-gen.Done():
			return gen.Err()
		}
	}
}

// Pending reports how many accepted payloads have not been delivered
// yet. Diagnostic only.
func (m *TTSManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq - m.delivered
}

// Clear cancels all in-flight synthesis and delivery, discards buffered
// payloads and resets the sequence counters. The manager is immediately
// reusable for the next turn. Clearing an idle manager is a no-op, and
// Clear is safe to call repeatedly.
func (m *TTSManager) Clear() {
	m.mu.Lock()
	cancel := m.genCancel
	senderDone := m.senderDone
	m.mu.Unlock()

	cancel()
	m.workers.Wait()
	if senderDone != nil {
		<-senderDone
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}
