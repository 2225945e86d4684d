package conversation

import (
	"context"
	"errors"
	"fmt"
)

// runGroupTurn drives a group conversation: the triggering input joins
// the shared transcript, then members take turns in round-robin order
// until the group shrinks below two members, the configured round limit
// is reached, or the turn is cancelled.
//
// Every output is broadcast to all members. A single member's agent
// failure aborts only that member's turn; the rotation continues.
func (h *Handler) runGroupTurn(ctx context.Context, g *GroupState, initiator string, in Inbound, meta TurnMetadata, progress *turnProgress) error {
	log := h.log.With("group", g.ID(), "session", g.SessionTag())

	bsend := func(ctx context.Context, msg any) error {
		h.transport.Broadcast(ctx, g.Members(), msg)
		return nil
	}

	text, err := NormalizeInput(ctx, in, h.transcriber(), h.corrector, bsend)
	if err != nil {
		_ = bsend(ctx, Error("could not process your input"))
		return err
	}
	if text != "" {
		g.AppendLine(initiator, text)
	}

	mgr := h.newManager()
	defer CleanupTurn(mgr)
	defer g.ClearTurn()

	rounds := 0
	for ctx.Err() == nil {
		if h.groupRounds > 0 && rounds >= h.groupRounds {
			log.Debug("round limit reached", "rounds", rounds)
			return nil
		}
		speaker, ok := g.NextSpeaker()
		if !ok {
			log.Debug("group below two members, stopping rotation")
			return nil
		}
		rounds++

		// Each member turn gets its own cancellable context so a leaving
		// speaker aborts only its own turn, not the rotation.
		mctx, mcancel := context.WithCancel(ctx)
		g.beginTurn(mcancel)
		err := h.runGroupMemberTurn(mctx, g, mgr, speaker, bsend, progress)
		mcancel()
		g.endTurn()

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			// Only this member's turn is lost; keep rotating.
			log.Warn("member turn failed, continuing rotation",
				"speaker", speaker, "error", err)
		}

		progress.Reset()
		mgr.Clear()
	}
	return ctx.Err()
}

// runGroupMemberTurn produces one member's contribution: its unread
// slice of the shared transcript feeds the agent, the response streams
// through ordered synthesis to every member, and the finished text is
// appended to the transcript.
func (h *Handler) runGroupMemberTurn(ctx context.Context, g *GroupState, mgr *TTSManager, speaker string, bsend SendFunc, progress *turnProgress) error {
	window := g.ContextFor(speaker)

	if err := SendStartSignals(ctx, bsend); err != nil {
		return err
	}

	outputs, err := h.engine.Chat(ctx, ChatRequest{
		History: window,
		Speaker: speaker,
	})
	if err != nil {
		return fmt.Errorf("conversation: start member chat: %w", err)
	}

	var failure error
stream:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-outputs:
			if !ok {
				break stream
			}
			switch o := out.(type) {
			case Sentence:
				progress.Add(o.DisplayText)
				if err := mgr.Speak(ctx, o, bsend); err != nil {
					return err
				}
			case AudioSegment:
				progress.Add(o.DisplayText)
				if err := mgr.SpeakAudio(ctx, o, bsend); err != nil {
					return err
				}
			case ToolStatus:
				_ = bsend(ctx, ToolStatusMessage{
					Type:   TypeToolCallStatus,
					Tool:   o.Tool,
					Status: o.Status,
					Detail: o.Detail,
				})
			case Failure:
				failure = o.Err
				break stream
			}
		}
	}
	if failure != nil {
		_ = bsend(ctx, Error(failure.Error()))
		if partial := progress.Text(); partial != "" && progress.TryMarkPersisted() {
			g.AppendLine(speaker, partial+" "+MarkerError)
		}
		return fmt.Errorf("conversation: member agent stream: %w", failure)
	}

	if full := progress.Text(); full != "" && progress.TryMarkPersisted() {
		g.AppendLine(speaker, full)
	}

	if err := h.finalizeGroupMember(ctx, g, mgr, speaker, bsend); err != nil {
		return err
	}
	return nil
}

// finalizeGroupMember closes one member's chain. The playback wait is
// against the speaking member's own frontend, bounded like the single
// flow; a released speaker (disconnect mid-finalize) is tolerated so the
// rotation can move on.
func (h *Handler) finalizeGroupMember(ctx context.Context, g *GroupState, mgr *TTSManager, speaker string, bsend SendFunc) error {
	if err := mgr.Drain(ctx); err != nil {
		return fmt.Errorf("conversation: drain group audio: %w", err)
	}
	if err := bsend(ctx, SynthComplete()); err != nil {
		return err
	}

	_, err := h.gate.Wait(ctx, speaker, TypePlaybackComplete, "", h.playbackTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrWaitTimeout):
		h.log.Warn("group playback confirmation timed out",
			"group", g.ID(), "speaker", speaker)
	case errors.Is(err, ErrReleased):
		h.log.Debug("speaker released during finalize", "speaker", speaker)
	default:
		return fmt.Errorf("conversation: wait for group playback: %w", err)
	}

	if err := bsend(ctx, ForceNew()); err != nil {
		return err
	}
	return bsend(ctx, Control(ActionChainEnd))
}
