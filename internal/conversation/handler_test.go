package conversation_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	agentmock "github.com/korahq/kora/internal/agent/mock"
	"github.com/korahq/kora/internal/conversation"
)

// recordingTransport collects outbound messages per client and can run a
// hook on every send, which tests use to play the frontend's part of the
// protocol.
type recordingTransport struct {
	mu     sync.Mutex
	msgs   map[string][]any
	onSend func(client string, msg any)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{msgs: make(map[string][]any)}
}

func (t *recordingTransport) Send(_ context.Context, clientID string, msg any) error {
	t.mu.Lock()
	t.msgs[clientID] = append(t.msgs[clientID], msg)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(clientID, msg)
	}
	return nil
}

func (t *recordingTransport) Broadcast(ctx context.Context, clientIDs []string, msg any) {
	for _, id := range clientIDs {
		_ = t.Send(ctx, id, msg)
	}
}

func (t *recordingTransport) messages(client string) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.msgs[client]...)
}

func (t *recordingTransport) count(client string, match func(any) bool) int {
	n := 0
	for _, m := range t.messages(client) {
		if match(m) {
			n++
		}
	}
	return n
}

// fakeHistory records appended transcript lines.
type fakeHistory struct {
	mu         sync.Mutex
	users      []string
	assistants []historyLine
	recent     []string
}

type historyLine struct {
	client, text, marker string
}

func (f *fakeHistory) AppendUser(_ context.Context, clientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, clientID+": "+text)
	return nil
}

func (f *fakeHistory) AppendAssistant(_ context.Context, clientID, text, marker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants = append(f.assistants, historyLine{clientID, text, marker})
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, _ string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recent...), nil
}

func (f *fakeHistory) assistantLines() []historyLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyLine(nil), f.assistants...)
}

func (f *fakeHistory) userLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

// fakeMemory records ingested exchanges and serves canned snippets.
type fakeMemory struct {
	mu        sync.Mutex
	snippets  []string
	ingested  []string
	retrieved []string
}

func (f *fakeMemory) Ingest(_ context.Context, _, userText, assistantText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, userText+" / "+assistantText)
	return nil
}

func (f *fakeMemory) Retrieve(_ context.Context, _, query string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieved = append(f.retrieved, query)
	return append([]string(nil), f.snippets...), nil
}

func testSynth(_ context.Context, text string) ([]byte, int, error) {
	return []byte("wav:" + text), 24000, nil
}

// fakeTranscriber returns a canned recognition result.
type fakeTranscriber struct {
	mu     sync.Mutex
	result string
	calls  int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, nil
}

// kindsOf flattens a client's outbound messages into readable labels.
func kindsOf(msgs []any) []string {
	var kinds []string
	for _, m := range msgs {
		switch v := m.(type) {
		case conversation.ControlMessage:
			kinds = append(kinds, "control:"+v.Action)
		case conversation.FullTextMessage:
			kinds = append(kinds, "full-text:"+v.Text)
		case conversation.TranscriptionMessage:
			kinds = append(kinds, "transcription:"+v.Text)
		case conversation.AudioMessage:
			kinds = append(kinds, "audio:"+v.DisplayText)
		case conversation.SynthCompleteMessage:
			kinds = append(kinds, "synth-complete")
		case conversation.ForceNewMessage:
			kinds = append(kinds, "force-new")
		default:
			kinds = append(kinds, "other")
		}
	}
	return kinds
}

// ackPlayback wires the frontend's playback confirmation into the
// transport hook so finalize does not have to wait out its timeout.
func ackPlayback(h *conversation.Handler, tr *recordingTransport) {
	tr.mu.Lock()
	tr.onSend = func(client string, msg any) {
		if _, ok := msg.(conversation.SynthCompleteMessage); !ok {
			return
		}
		go func() {
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				if h.Gate().ActiveWaiters(client) > 0 {
					h.OnMessage(context.Background(), client, conversation.Inbound{
						Type: conversation.TypePlaybackComplete,
					})
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}()
	}
	tr.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitIdle(t *testing.T, h *conversation.Handler, client string) {
	t.Helper()
	waitFor(t, "turn to finish", func() bool { return !h.Busy(client) })
}

func TestSingleTurnMessageSequence(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("One.", "Two."))
	history := &fakeHistory{recent: []string{"User: earlier line"}}
	mem := &fakeMemory{snippets: []string{"likes trains"}}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithHistory(history),
		conversation.WithMemory(mem, 3),
	)
	ackPlayback(h, tr)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: "hello there",
	})
	waitFor(t, "turn to start", func() bool { return h.Busy("c1") || len(tr.messages("c1")) > 0 })
	waitIdle(t, h, "c1")

	kinds := kindsOf(tr.messages("c1"))
	want := []string{
		"control:" + conversation.ActionChainStart,
		"full-text:" + conversation.ThinkingText,
		"audio:One.",
		"audio:Two.",
		"synth-complete",
		"force-new",
		"control:" + conversation.ActionChainEnd,
	}
	if strings.Join(kinds, "|") != strings.Join(want, "|") {
		t.Errorf("message sequence\n got %v\nwant %v", kinds, want)
	}

	// The engine saw the input plus history and memory context.
	calls := engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine called %d times, want 1", len(calls))
	}
	if calls[0].Input != "hello there" {
		t.Errorf("engine input %q", calls[0].Input)
	}
	if len(calls[0].History) != 1 || len(calls[0].Memory) != 1 {
		t.Errorf("engine context history=%v memory=%v", calls[0].History, calls[0].Memory)
	}

	// Both sides of the exchange were persisted and ingested.
	if users := history.userLines(); len(users) != 1 || users[0] != "c1: hello there" {
		t.Errorf("user lines %v", users)
	}
	assistants := history.assistantLines()
	if len(assistants) != 1 || assistants[0].text != "One. Two." || assistants[0].marker != "" {
		t.Errorf("assistant lines %+v", assistants)
	}
	mem.mu.Lock()
	ingested := append([]string(nil), mem.ingested...)
	mem.mu.Unlock()
	if len(ingested) != 1 || ingested[0] != "hello there / One. Two." {
		t.Errorf("ingested %v", ingested)
	}
}

func TestAudioTurnOpensChainBeforeTranscription(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("Hi there."))
	stt := &fakeTranscriber{result: "hello friend"}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithTranscriber(stt),
	)
	ackPlayback(h, tr)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type:  conversation.TypeMicAudioEnd,
		Audio: base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	waitFor(t, "turn to start", func() bool { return h.Busy("c1") || len(tr.messages("c1")) > 0 })
	waitIdle(t, h, "c1")

	// The chain opens and the thinking placeholder shows before the
	// recognition result is echoed back.
	kinds := kindsOf(tr.messages("c1"))
	want := []string{
		"control:" + conversation.ActionChainStart,
		"full-text:" + conversation.ThinkingText,
		"transcription:hello friend",
		"audio:Hi there.",
		"synth-complete",
		"force-new",
		"control:" + conversation.ActionChainEnd,
	}
	if strings.Join(kinds, "|") != strings.Join(want, "|") {
		t.Errorf("message sequence\n got %v\nwant %v", kinds, want)
	}

	calls := engine.Calls()
	if len(calls) != 1 || calls[0].Input != "hello friend" {
		t.Errorf("engine calls %+v", calls)
	}
}

func TestEmptyTranscriptStillClosesChain(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("should not run"))
	stt := &fakeTranscriber{result: ""}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithTranscriber(stt),
	)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type:  conversation.TypeMicAudioEnd,
		Audio: base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	waitFor(t, "turn to start", func() bool { return len(tr.messages("c1")) > 0 })
	waitIdle(t, h, "c1")

	// Nothing was recognized: no response, but the chain still closes so
	// the client does not stay in the thinking state.
	kinds := kindsOf(tr.messages("c1"))
	want := []string{
		"control:" + conversation.ActionChainStart,
		"full-text:" + conversation.ThinkingText,
		"control:" + conversation.ActionChainEnd,
	}
	if strings.Join(kinds, "|") != strings.Join(want, "|") {
		t.Errorf("message sequence\n got %v\nwant %v", kinds, want)
	}
	if calls := engine.Calls(); len(calls) != 0 {
		t.Errorf("empty transcript reached the engine: %d calls", len(calls))
	}
}

func TestBusyRejection(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("Working on it."))
	engine.Hold(true)

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithPlaybackTimeout(10*time.Millisecond),
	)

	ctx := context.Background()
	h.OnMessage(ctx, "c1", conversation.Inbound{Type: conversation.TypeTextInput, Text: "first"})
	waitFor(t, "first turn to become busy", func() bool { return h.Busy("c1") })

	h.OnMessage(ctx, "c1", conversation.Inbound{Type: conversation.TypeTextInput, Text: "second"})

	waitFor(t, "busy rejection", func() bool {
		return tr.count("c1", func(m any) bool {
			em, ok := m.(conversation.ErrorMessage)
			return ok && strings.Contains(em.Message, "already in progress")
		}) == 1
	})

	if calls := engine.Calls(); len(calls) != 1 {
		t.Errorf("second trigger reached the engine: %d calls", len(calls))
	}

	h.Interrupt(ctx, "c1", "")
	waitIdle(t, h, "c1")
}

func TestInterruptPersistsPartial(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("I was saying something long."))
	engine.Hold(true)
	history := &fakeHistory{}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithHistory(history),
	)

	ctx := context.Background()
	h.OnMessage(ctx, "c1", conversation.Inbound{Type: conversation.TypeTextInput, Text: "tell me a story"})

	// Wait until the sentence has actually been voiced so there is a
	// partial to persist.
	waitFor(t, "first audio message", func() bool {
		return tr.count("c1", func(m any) bool {
			_, ok := m.(conversation.AudioMessage)
			return ok
		}) > 0
	})

	h.OnMessage(ctx, "c1", conversation.Inbound{
		Type: conversation.TypeInterrupt,
		Text: "I was saying",
	})
	waitIdle(t, h, "c1")

	// The frontend's account of what was heard wins over the accumulated
	// text, and the line carries the interruption marker.
	assistants := history.assistantLines()
	if len(assistants) != 1 {
		t.Fatalf("assistant lines %+v, want one", assistants)
	}
	if assistants[0].text != "I was saying" || assistants[0].marker != conversation.MarkerInterrupted {
		t.Errorf("persisted %+v", assistants[0])
	}

	if ints := engine.Interrupts(); len(ints) != 1 || ints[0] != "I was saying" {
		t.Errorf("engine interrupts %v", ints)
	}

	var sawSignal, sawChainEnd bool
	for _, m := range tr.messages("c1") {
		switch v := m.(type) {
		case conversation.InterruptSignalMessage:
			sawSignal = v.Text == "I was saying"
		case conversation.ControlMessage:
			if v.Action == conversation.ActionChainEnd {
				sawChainEnd = true
			}
		}
	}
	if !sawSignal || !sawChainEnd {
		t.Errorf("interrupt notifications missing: signal=%v chainEnd=%v", sawSignal, sawChainEnd)
	}

	// A second interrupt with nothing active is a no-op.
	h.Interrupt(ctx, "c1", "again")
	if ints := engine.Interrupts(); len(ints) != 1 {
		t.Errorf("idle interrupt reached the engine: %v", ints)
	}
}

func TestProactiveTurnSkipsHistoryAndMemory(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("Hello, are you still there?"))
	history := &fakeHistory{recent: []string{"User: old line"}}
	mem := &fakeMemory{snippets: []string{"snippet"}}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithHistory(history),
		conversation.WithMemory(mem, 3),
		conversation.WithPlaybackTimeout(10*time.Millisecond),
	)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{Type: conversation.TypeAISpeakSignal})
	waitFor(t, "turn to start", func() bool { return len(engine.Calls()) > 0 })
	waitIdle(t, h, "c1")

	calls := engine.Calls()
	if calls[0].Input != conversation.DefaultProactivePrompt {
		t.Errorf("proactive input %q, want %q", calls[0].Input, conversation.DefaultProactivePrompt)
	}
	if len(calls[0].History) != 0 || len(calls[0].Memory) != 0 {
		t.Errorf("proactive turn pulled context: history=%v memory=%v", calls[0].History, calls[0].Memory)
	}
	if users := history.userLines(); len(users) != 0 {
		t.Errorf("proactive prompt persisted as user input: %v", users)
	}
	mem.mu.Lock()
	retrieved := len(mem.retrieved)
	mem.mu.Unlock()
	if retrieved != 0 {
		t.Errorf("proactive turn queried memory %d times", retrieved)
	}
}

func TestEngineFailureReportsError(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New()
	engine.FailWith(errors.New("model offline"))

	h := conversation.NewHandler(tr, engine, testSynth)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: "hello",
	})
	waitFor(t, "error message", func() bool {
		return tr.count("c1", func(m any) bool {
			_, ok := m.(conversation.ErrorMessage)
			return ok
		}) > 0
	})
	waitIdle(t, h, "c1")
}

func TestStreamFailurePersistsPartialWithErrorMarker(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	script := append(agentmock.Say("Partial sentence."),
		conversation.Failure{Err: errors.New("stream died")})
	engine := agentmock.New(script)
	history := &fakeHistory{}

	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithHistory(history),
	)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: "hello",
	})
	waitFor(t, "turn to start", func() bool { return len(engine.Calls()) > 0 })
	waitIdle(t, h, "c1")

	waitFor(t, "partial persisted", func() bool { return len(history.assistantLines()) == 1 })
	line := history.assistantLines()[0]
	if line.text != "Partial sentence." || line.marker != conversation.MarkerError {
		t.Errorf("persisted %+v", line)
	}

	if n := tr.count("c1", func(m any) bool {
		em, ok := m.(conversation.ErrorMessage)
		return ok && strings.Contains(em.Message, "stream died")
	}); n != 1 {
		t.Errorf("got %d stream error messages, want 1", n)
	}
}

func TestEmptyTextInputIgnored(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("should not run"))
	h := conversation.NewHandler(tr, engine, testSynth)

	h.OnMessage(context.Background(), "c1", conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: "   ",
	})
	time.Sleep(20 * time.Millisecond)

	if h.Busy("c1") {
		t.Error("blank input started a turn")
	}
	if calls := engine.Calls(); len(calls) != 0 {
		t.Errorf("engine called %d times", len(calls))
	}
}

func TestDisconnectReleasesClient(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("Hi."))
	engine.Hold(true)
	h := conversation.NewHandler(tr, engine, testSynth)

	ctx := context.Background()
	h.OnMessage(ctx, "c1", conversation.Inbound{Type: conversation.TypeTextInput, Text: "hi"})
	waitFor(t, "turn to become busy", func() bool { return h.Busy("c1") })

	waiterErr := make(chan error, 1)
	go func() {
		_, err := h.Gate().Wait(ctx, "c1", "lookup", "req-1", time.Minute)
		waiterErr <- err
	}()
	waitFor(t, "waiter to register", func() bool { return h.Gate().ActiveWaiters("c1") > 0 })

	h.DisconnectClient(ctx, "c1")

	if err := <-waiterErr; !errors.Is(err, conversation.ErrReleased) {
		t.Errorf("waiter got %v, want ErrReleased", err)
	}
	if h.Busy("c1") {
		t.Error("turn still active after disconnect")
	}
}

func TestGroupTurnRotation(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(
		agentmock.Say("Alice speaking."),
		agentmock.Say("Bob speaking."),
	)
	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithGroupRounds(2),
		conversation.WithPlaybackTimeout(10*time.Millisecond),
	)

	ctx := context.Background()
	h.OnMessage(ctx, "alice", conversation.Inbound{Type: conversation.TypeGroupJoin, Group: "lounge"})
	h.OnMessage(ctx, "bob", conversation.Inbound{Type: conversation.TypeGroupJoin, Group: "lounge"})

	g, ok := h.Groups().GroupOf("alice")
	if !ok {
		t.Fatal("alice not registered in group")
	}

	h.OnMessage(ctx, "alice", conversation.Inbound{
		Type: conversation.TypeTextInput,
		Text: "let's chat",
	})
	waitFor(t, "rotation to finish", func() bool { return !h.Busy("alice") && !h.Busy("bob") })
	// Busy can flicker between member turns; confirm via the transcript.
	waitFor(t, "transcript to settle", func() bool { return len(g.History()) >= 3 })

	history := g.History()
	want := []string{
		"alice: let's chat",
		"alice: Alice speaking.",
		"bob: Bob speaking.",
	}
	if strings.Join(history, "|") != strings.Join(want, "|") {
		t.Errorf("group transcript\n got %v\nwant %v", history, want)
	}

	// Each member turn identified its speaker and saw only unread lines.
	calls := engine.Calls()
	if len(calls) != 2 {
		t.Fatalf("engine called %d times, want 2", len(calls))
	}
	if calls[0].Speaker != "alice" || calls[1].Speaker != "bob" {
		t.Errorf("speakers %q, %q", calls[0].Speaker, calls[1].Speaker)
	}
	if len(calls[0].History) != 1 || calls[0].History[0] != "alice: let's chat" {
		t.Errorf("alice's window %v", calls[0].History)
	}
	if len(calls[1].History) != 2 {
		t.Errorf("bob's window %v", calls[1].History)
	}

	// Every member heard every contribution.
	for _, client := range []string{"alice", "bob"} {
		if n := tr.count(client, func(m any) bool {
			_, ok := m.(conversation.AudioMessage)
			return ok
		}); n != 2 {
			t.Errorf("%s received %d audio messages, want 2", client, n)
		}
	}
}

func TestGroupMemberFailureContinuesRotation(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(
		append(agentmock.Say("Start."), conversation.Failure{Err: errors.New("member broke")}),
		agentmock.Say("Still here."),
	)
	h := conversation.NewHandler(tr, engine, testSynth,
		conversation.WithGroupRounds(2),
		conversation.WithPlaybackTimeout(10*time.Millisecond),
	)

	ctx := context.Background()
	h.OnMessage(ctx, "alice", conversation.Inbound{Type: conversation.TypeGroupJoin, Group: "lounge"})
	h.OnMessage(ctx, "bob", conversation.Inbound{Type: conversation.TypeGroupJoin, Group: "lounge"})
	g, _ := h.Groups().GroupOf("alice")

	h.OnMessage(ctx, "alice", conversation.Inbound{Type: conversation.TypeTextInput, Text: "go"})
	waitFor(t, "both members to speak", func() bool { return len(engine.Calls()) == 2 })
	waitFor(t, "rotation to finish", func() bool { return !h.Busy("alice") })

	history := g.History()
	var sawErrorLine, sawSecond bool
	for _, line := range history {
		if strings.Contains(line, conversation.MarkerError) {
			sawErrorLine = true
		}
		if strings.Contains(line, "Still here.") {
			sawSecond = true
		}
	}
	if !sawErrorLine {
		t.Errorf("failed member's partial missing from transcript: %v", history)
	}
	if !sawSecond {
		t.Errorf("rotation stopped after member failure: %v", history)
	}
}

func TestShutdownCancelsActiveTurns(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	engine := agentmock.New(agentmock.Say("Hi."))
	engine.Hold(true)
	h := conversation.NewHandler(tr, engine, testSynth)

	ctx := context.Background()
	h.OnMessage(ctx, "c1", conversation.Inbound{Type: conversation.TypeTextInput, Text: "hi"})
	h.OnMessage(ctx, "c2", conversation.Inbound{Type: conversation.TypeTextInput, Text: "hi"})
	waitFor(t, "turns to become busy", func() bool { return h.Busy("c1") && h.Busy("c2") })

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.Busy("c1") || h.Busy("c2") {
		t.Error("turns still active after shutdown")
	}
}
