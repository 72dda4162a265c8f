package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakePlayer struct {
	mu       sync.Mutex
	played   [][]byte
	killed   bool
	finished bool
}

func (p *fakePlayer) Start() error { return nil }
func (p *fakePlayer) PlayChunk(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, chunk)
	return nil
}
func (p *fakePlayer) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	return nil
}
func (p *fakePlayer) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

type stubSTT struct {
	mu             sync.Mutex
	connected      bool
	connectErr     error
	sent           [][]byte
	onTranscript   TranscriptCallback
	onUtteranceEnd UtteranceEndCallback
}

func (s *stubSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return "", nil
}
func (s *stubSTT) Name() string { return "stub-stt" }
func (s *stubSTT) Connect(ctx context.Context, lang Language, onTranscript TranscriptCallback, onUtteranceEnd UtteranceEndCallback) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.connected = true
	s.onTranscript = onTranscript
	s.onUtteranceEnd = onUtteranceEnd
	s.mu.Unlock()
	return nil
}
func (s *stubSTT) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}
func (s *stubSTT) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *stubSTT) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// say simulates the provider emitting a committed transcript followed by
// an utterance-end signal, as a real streaming backend would.
func (s *stubSTT) say(text string) {
	s.mu.Lock()
	cb, end := s.onTranscript, s.onUtteranceEnd
	s.mu.Unlock()
	cb(text, true)
	end()
}

type stubLLM struct {
	mu         sync.Mutex
	deltas     []string
	finalText  string
	toolBlocks []Block
	streamErr  error
	cancelled  bool
	callCount  int
}

func (l *stubLLM) StreamResponse(ctx context.Context, system []SystemBlock, tools []ToolDefinition, messages []Message, onDelta func(StreamDelta)) error {
	l.mu.Lock()
	l.callCount++
	l.mu.Unlock()
	if l.streamErr != nil {
		return l.streamErr
	}
	for _, d := range l.deltas {
		onDelta(StreamDelta{Text: d})
	}
	return nil
}
func (l *stubLLM) Cancel() {
	l.mu.Lock()
	l.cancelled = true
	l.mu.Unlock()
}
func (l *stubLLM) LastResponseContent() Content { return TextContent(l.finalText) }
func (l *stubLLM) GetToolUseBlocks() []Block     { return l.toolBlocks }
func (l *stubLLM) Name() string                  { return "stub-llm" }

type stubTTS struct {
	mu        sync.Mutex
	aborted   bool
	synthFail error
}

func (s *stubTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return []byte("pcm"), nil
}
func (s *stubTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	if s.synthFail != nil {
		return s.synthFail
	}
	return onChunk([]byte("pcm:" + text))
}
func (s *stubTTS) Abort() error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	return nil
}
func (s *stubTTS) Name() string { return "stub-tts" }

type stubContextManager struct {
	mu       sync.Mutex
	messages []Message
}

func (c *stubContextManager) AddMessage(role string, content Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Content: content})
}
func (c *stubContextManager) GetMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
func (c *stubContextManager) GetRecentMessages(maxTurns int) []Message { return c.GetMessages() }
func (c *stubContextManager) BuildSystemBlocks(dynamic string) []SystemBlock {
	return []SystemBlock{{Text: "persona", Cacheable: true}, {Text: dynamic}}
}
func (c *stubContextManager) BuildTools(registry ToolExecutor) []ToolDefinition { return nil }

type stubArchiver struct {
	mu    sync.Mutex
	saved []Message
}

func (a *stubArchiver) Save(sessionID string, messages []Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, messages...)
	return nil
}

type stubMemory struct {
	mu       sync.Mutex
	extracts int
}

func (m *stubMemory) ExtractAndSave(ctx context.Context, messages []Message) error {
	m.mu.Lock()
	m.extracts++
	m.mu.Unlock()
	return nil
}
func (m *stubMemory) PreLoadContext(ctx context.Context, query string) (string, error) {
	return "", nil
}

func newTestTurn(t *testing.T, stt *stubSTT, llm *stubLLM, tts *stubTTS) (*Turn, *stubContextManager, *stubArchiver) {
	t.Helper()
	ctxmgr := &stubContextManager{}
	archive := &stubArchiver{}
	cfg := DefaultConfig()
	cfg.ActiveTimeout = 50 * time.Millisecond
	cfg.BargeInGrace = 0
	cfg.BargeInFrames = 1

	newPlayer := func() (Player, error) {
		return &fakePlayer{}, nil
	}

	vad := NewDetector(NewRMSSpeechModel(1.0), 0.5, 4)
	vad.SetSpeechCountThreshold(1)

	turn := NewTurn(NewStateMachine(), vad, stt, llm, tts, ctxmgr, archive, &stubMemory{}, nil, newPlayer, cfg, nil)
	return turn, ctxmgr, archive
}

func TestTurnHappyPathReachesActive(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{deltas: []string{"Hello there."}, finalText: "Hello there."}
	tts := &stubTTS{}
	turn, ctxmgr, _ := newTestTurn(t, stt, llm, tts)

	if err := turn.sm.OnSpeechDetected(); err != nil {
		t.Fatalf("speech detected: %v", err)
	}
	if err := turn.stt.Connect(context.Background(), LanguageEn, turn.onSTTTranscript, turn.onSTTUtteranceEnd); err != nil {
		t.Fatalf("connect: %v", err)
	}
	turn.mu.Lock()
	turn.sttConnected = true
	turn.mu.Unlock()

	stt.say("what time is it")

	deadline := time.After(2 * time.Second)
	for turn.CurrentState() != StateActive {
		select {
		case <-deadline:
			t.Fatalf("turn did not reach Active, stuck at %s", turn.CurrentState())
		case <-time.After(5 * time.Millisecond):
		}
	}

	msgs := ctxmgr.GetMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content.Text != "what time is it" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content.Text != "Hello there." {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestTurnToolIterationLoop(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{
		deltas:     []string{"checking."},
		finalText:  "checking.",
		toolBlocks: []Block{{Type: BlockToolUse, ToolUseID: "tu1", ToolName: "hass_control"}},
	}
	tts := &stubTTS{}
	turn, ctxmgr, _ := newTestTurn(t, stt, llm, tts)
	turn.tools = stubToolExecutor{}

	if err := turn.sm.OnSpeechDetected(); err != nil {
		t.Fatal(err)
	}
	if err := turn.stt.Connect(context.Background(), LanguageEn, turn.onSTTTranscript, turn.onSTTUtteranceEnd); err != nil {
		t.Fatal(err)
	}
	turn.mu.Lock()
	turn.sttConnected = true
	turn.mu.Unlock()

	stt.say("turn on the lights")

	// The stub LLM always requests the same tool, so every one of
	// MaxToolIterations rounds executes hass_control and appends a
	// tool_result; exhausting the loop without a final text response
	// should force-recover the state machine to Active rather than
	// leaving the turn stuck in Processing/Speaking.
	msgs := ctxmgr.GetMessages()
	if len(msgs) != 2*DefaultConfig().MaxToolIterations+1 {
		t.Fatalf("expected %d messages after exhausting tool iterations, got %d: %+v",
			2*DefaultConfig().MaxToolIterations+1, len(msgs), msgs)
	}
	last := msgs[len(msgs)-1]
	if !last.Content.IsPureToolResult() {
		t.Fatalf("expected last message to be a tool_result, got %+v", last)
	}
	if turn.CurrentState() != StateActive {
		t.Fatalf("expected exhausted tool loop to force-recover to Active, got %s", turn.CurrentState())
	}
}

func TestTurnBargeInInterruptsSpeaking(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{}
	tts := &stubTTS{}
	turn, _, _ := newTestTurn(t, stt, llm, tts)
	turn.sm.ForceTo(StateSpeaking)
	turn.mu.Lock()
	turn.speakingSince = time.Now().Add(-time.Second)
	turn.mu.Unlock()

	loud := make([]byte, 200)
	for i := range loud {
		loud[i] = 0x7F
	}

	if err := turn.HandleAudioChunk(context.Background(), loud); err != nil {
		t.Fatalf("handle audio chunk: %v", err)
	}

	deadline := time.After(time.Second)
	for turn.CurrentState() != StateListening {
		select {
		case <-deadline:
			t.Fatalf("expected barge-in to land in Listening, got %s", turn.CurrentState())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !llm.cancelled {
		t.Error("expected LLM.Cancel to be called on barge-in")
	}
	if !tts.aborted {
		t.Error("expected TTS.Abort to be called on barge-in")
	}
}

func TestTurnSTTConnectFailureForcesIdle(t *testing.T) {
	stt := &stubSTT{connectErr: errors.New("dial failed")}
	llm := &stubLLM{}
	tts := &stubTTS{}
	turn, _, _ := newTestTurn(t, stt, llm, tts)

	turn.handleVADSpeech(context.Background())

	if turn.CurrentState() != StateIdle {
		t.Fatalf("expected hard reset to Idle on stt connect failure, got %s", turn.CurrentState())
	}
}

func TestTurnActiveTimeoutSavesSessionAndReturnsToIdle(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{deltas: []string{"ok."}, finalText: "ok."}
	tts := &stubTTS{}
	turn, _, archive := newTestTurn(t, stt, llm, tts)

	turn.sm.ForceTo(StateActive)
	turn.ctxmgr.AddMessage("user", TextContent("hi"))
	turn.ctxmgr.AddMessage("assistant", TextContent("hello"))
	turn.startActiveTimeout()

	deadline := time.After(time.Second)
	for turn.CurrentState() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("expected active timeout to return to Idle, stuck at %s", turn.CurrentState())
		case <-time.After(5 * time.Millisecond):
		}
	}

	archive.mu.Lock()
	saved := len(archive.saved)
	archive.mu.Unlock()
	if saved != 2 {
		t.Fatalf("expected 2 archived messages, got %d", saved)
	}
}

func TestTurnQuietStartStaysIdle(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{}
	tts := &stubTTS{}
	turn, _, _ := newTestTurn(t, stt, llm, tts)

	silence := make([]byte, 200)
	if err := turn.HandleAudioChunk(context.Background(), silence); err != nil {
		t.Fatalf("handle audio chunk: %v", err)
	}
	if turn.CurrentState() != StateIdle {
		t.Fatalf("expected silence to leave state at Idle, got %s", turn.CurrentState())
	}
}

func TestTurnShutdownDrainsBackgroundTasks(t *testing.T) {
	stt := &stubSTT{}
	llm := &stubLLM{}
	tts := &stubTTS{}
	turn, _, _ := newTestTurn(t, stt, llm, tts)

	turn.scheduleBackground(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	turn.Shutdown(context.Background())

	diag := turn.Diagnostics()
	if diag.BackgroundTasks != 0 {
		t.Fatalf("expected background tasks drained by shutdown, got %d", diag.BackgroundTasks)
	}
}

type stubToolExecutor struct{}

func (stubToolExecutor) Execute(ctx context.Context, name string, input interface{}) (string, error) {
	if name != "hass_control" {
		return "", fmt.Errorf("unknown tool %s", name)
	}
	return "done", nil
}
func (stubToolExecutor) BuildTools() []ToolDefinition { return nil }
