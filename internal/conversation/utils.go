package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ThinkingText is shown while the agent produces its first sentence.
const ThinkingText = "Thinking..."

// DefaultPlaybackTimeout bounds the wait for frontend-playback-complete
// at the end of a turn. Frontends that never confirm playback must not
// hang the turn forever.
const DefaultPlaybackTimeout = 60 * time.Second

// minTranscriptLen is the shortest STT result treated as real input.
// Whisper tends to emit single stray characters for breath noise.
const minTranscriptLen = 2

// defaultSTTSampleRate applies when the trigger message does not say how
// the audio was captured.
const defaultSTTSampleRate = 16000

// NormalizeInput produces the turn's input text from a trigger message.
// Text triggers pass through trimmed. Audio triggers are transcribed and
// then run through the corrector; the recognized text is echoed to the
// client as a user-input-transcription message. An empty result is valid
// and means the turn has nothing to respond to.
func NormalizeInput(ctx context.Context, in Inbound, tr Transcriber, corr Corrector, send SendFunc) (string, error) {
	if in.Audio == "" {
		return strings.TrimSpace(in.Text), nil
	}
	if tr == nil {
		return "", errors.New("conversation: audio input but no transcriber configured")
	}

	pcm, err := base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		return "", fmt.Errorf("conversation: decode audio: %w", err)
	}
	text, err := tr.Transcribe(ctx, pcm, defaultSTTSampleRate)
	if err != nil {
		return "", fmt.Errorf("conversation: transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if len(text) < minTranscriptLen {
		return "", nil
	}
	if corr != nil {
		text = corr.Correct(text)
	}

	if err := send(ctx, Transcription(text)); err != nil {
		slog.Warn("failed to echo transcription", "error", err)
	}
	return text, nil
}

// SendStartSignals announces the beginning of a response chain and puts
// up the thinking placeholder.
func SendStartSignals(ctx context.Context, send SendFunc) error {
	if err := send(ctx, Control(ActionChainStart)); err != nil {
		return fmt.Errorf("conversation: send chain start: %w", err)
	}
	if err := send(ctx, FullText(ThinkingText)); err != nil {
		return fmt.Errorf("conversation: send thinking text: %w", err)
	}
	return nil
}

// FinalizeTurn runs the end-of-turn sequence: drain pending audio, tell
// the frontend synthesis is complete, wait (bounded) for it to confirm
// playback, then close the chain. A playback wait timeout is logged and
// tolerated; cancellation and client release abort finalization.
func FinalizeTurn(ctx context.Context, send SendFunc, mgr *TTSManager, gate *Gate, client string, playbackTimeout time.Duration) error {
	if playbackTimeout <= 0 {
		playbackTimeout = DefaultPlaybackTimeout
	}

	if err := mgr.Drain(ctx); err != nil {
		return fmt.Errorf("conversation: drain audio: %w", err)
	}
	if err := send(ctx, SynthComplete()); err != nil {
		return fmt.Errorf("conversation: send synth complete: %w", err)
	}

	_, err := gate.Wait(ctx, client, TypePlaybackComplete, "", playbackTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		slog.Warn("playback confirmation timed out, closing turn anyway",
			"client", client, "timeout", playbackTimeout)
	default:
		return fmt.Errorf("conversation: wait for playback: %w", err)
	}

	if err := send(ctx, ForceNew()); err != nil {
		return fmt.Errorf("conversation: send force new message: %w", err)
	}
	if err := send(ctx, Control(ActionChainEnd)); err != nil {
		return fmt.Errorf("conversation: send chain end: %w", err)
	}
	return nil
}

// CleanupTurn releases everything a turn holds. It must run on every
// exit path, successful or not, and is safe to call more than once.
func CleanupTurn(mgr *TTSManager) {
	if mgr != nil {
		mgr.Clear()
	}
}
