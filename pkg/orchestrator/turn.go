package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/chunker"
)

// Player is the narrow surface of *audiosink.Sink the turn orchestrator
// depends on, kept as an interface so tests can substitute an in-memory
// fake rather than spawning a real player subprocess.
type Player interface {
	Start() error
	PlayChunk(chunk []byte) error
	Finish() error
	Kill() error
}

// PlayerFactory builds a fresh audio sink for one turn's playback. A new
// Sink is created per tool-loop iteration of processResponse so a prior killed
// subprocess can never leak into the next one.
type PlayerFactory func() (Player, error)

// queuePressureThreshold and Config.QueuePressureLogEvery gate the "queue
// pressure" warning so it fires at most once per window even while the
// queue stays saturated.
const queuePressureThreshold = 28

// Turn is the turn orchestrator: the single-threaded cooperative state
// machine that multiplexes the microphone producer, the STT/LLM/TTS
// streaming clients, the bounded audio pipeline, the tool-execution loop,
// and the barge-in protocol. The constructor takes every provider plus a
// Config and an optional Logger (defaulting to NoOpLogger); a mutex
// guards the fields the HTTP diagnostics surface reads from another
// goroutine, and in-flight work is cancelled via context.CancelFunc
// rather than a dedicated scheduler.
type Turn struct {
	sm      *StateMachine
	vad     *Detector
	stt     StreamingSTTProvider
	llm     StreamingLLMProvider
	tts     TTSProvider
	ctxmgr  ContextManager
	memory  MemoryExtractor
	tools   ToolExecutor
	archive SessionArchiver
	newPlay PlayerFactory
	cfg     Config
	logger  Logger
	now     func() time.Time

	mu                   sync.Mutex
	currentTranscript    strings.Builder
	pendingAudio         [][]byte
	sttConnected         bool
	bargeInCount         int
	speakingSince        time.Time
	activeTimeoutCancel  context.CancelFunc
	conversationID       string
	sessionMsgOffset     int
	lastQueuePressureLog time.Time

	bgMu    sync.Mutex
	bgCount int
}

// ContextManager is the narrow surface of pkg/contextmgr.Manager the turn
// orchestrator depends on, kept as an interface so tests can swap in a
// lighter stand-in without constructing a full Manager.
type ContextManager interface {
	AddMessage(role string, content Content)
	GetMessages() []Message
	GetRecentMessages(maxTurns int) []Message
	BuildSystemBlocks(dynamic string) []SystemBlock
	BuildTools(registry ToolExecutor) []ToolDefinition
}

// SessionArchiver is the narrow surface of pkg/sessionlog.Archiver the
// turn orchestrator depends on.
type SessionArchiver interface {
	Save(sessionID string, messages []Message) error
}

// NewTurn constructs a Turn orchestrator. logger may be nil, in which
// case it defaults to NoOpLogger.
func NewTurn(sm *StateMachine, vad *Detector, stt StreamingSTTProvider, llm StreamingLLMProvider, tts TTSProvider, ctxmgr ContextManager, archive SessionArchiver, memory MemoryExtractor, tools ToolExecutor, newPlay PlayerFactory, cfg Config, logger Logger) *Turn {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Turn{
		sm:             sm,
		vad:            vad,
		stt:            stt,
		llm:            llm,
		tts:            tts,
		ctxmgr:         ctxmgr,
		memory:         memory,
		tools:          tools,
		archive:        archive,
		newPlay:        newPlay,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
		conversationID: uuid.NewString(),
	}
}

// CurrentState reports the FSM's present state, for the HTTP diagnostics
// surface.
func (t *Turn) CurrentState() State { return t.sm.Current() }

// Diagnostics is the turn orchestrator's snapshot for GET /diagnostics.
type Diagnostics struct {
	State            State
	BackgroundTasks  int
	ActiveTimeoutSet bool
}

// Diagnostics reports the current background-task count and whether an
// active-timeout task is pending.
func (t *Turn) Diagnostics() Diagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bgMu.Lock()
	bg := t.bgCount
	t.bgMu.Unlock()
	return Diagnostics{
		State:            t.sm.Current(),
		BackgroundTasks:  bg,
		ActiveTimeoutSet: t.activeTimeoutCancel != nil,
	}
}

// HandleAudioChunk is the single entry point the microphone producer
// calls with each captured chunk. It must never be called concurrently
// from more than one goroutine — the microphone callback is the sole
// producer, and cmd/agent calls this directly from that capture callback.
func (t *Turn) HandleAudioChunk(ctx context.Context, chunk []byte) error {
	t.vad.SetThreshold(t.sm.VADThreshold(t.cfg.VADThreshold, t.cfg.VADThresholdSpeaking))

	isSpeech, err := t.vad.IsSpeech(chunk)
	if err != nil {
		return fmt.Errorf("turn: vad: %w", err)
	}

	state := t.sm.Current()
	if isSpeech {
		switch state {
		case StateIdle, StateActive:
			t.mu.Lock()
			t.bargeInCount = 0
			t.mu.Unlock()
			t.handleVADSpeech(ctx)
		case StateSpeaking:
			t.mu.Lock()
			since := t.speakingSince
			t.mu.Unlock()
			if !since.IsZero() && t.now().Sub(since) >= t.cfg.BargeInGrace {
				t.mu.Lock()
				t.bargeInCount++
				reached := t.bargeInCount >= t.cfg.BargeInFrames
				if reached {
					t.bargeInCount = 0
				}
				t.mu.Unlock()
				if reached {
					if err := t.sm.OnSpeechDetected(); err != nil {
						t.logger.Error("barge-in transition failed", "error", err)
						return err
					}
					t.handleBargeIn(ctx)
				}
			}
		}
	} else {
		t.mu.Lock()
		t.bargeInCount = 0
		t.mu.Unlock()
	}

	if t.sm.Current() == StateListening {
		t.mu.Lock()
		connected := t.sttConnected
		t.mu.Unlock()
		if connected {
			if err := t.stt.SendAudio(chunk); err != nil {
				t.logger.Warn("stt send failed", "error", err)
			}
		} else {
			t.mu.Lock()
			t.pendingAudio = append(t.pendingAudio, chunk)
			t.mu.Unlock()
		}
	}
	return nil
}

// handleVADSpeech opens a fresh STT session and transitions Idle/Active
// into Listening.
func (t *Turn) handleVADSpeech(ctx context.Context) {
	t.mu.Lock()
	t.currentTranscript.Reset()
	t.sttConnected = false
	t.mu.Unlock()

	if err := t.sm.OnSpeechDetected(); err != nil {
		t.logger.Error("speech-detected transition failed", "error", err)
		return
	}

	preBuffer := t.vad.DrainPreBuffer()
	t.vad.Reset()
	t.mu.Lock()
	t.pendingAudio = append(t.pendingAudio, preBuffer...)
	t.mu.Unlock()

	if err := t.stt.Connect(ctx, t.cfg.Language, t.onSTTTranscript, t.onSTTUtteranceEnd); err != nil {
		t.logger.Error("stt connect failed, hard reset to idle", "error", err)
		t.sm.ForceTo(StateIdle)
		t.mu.Lock()
		t.pendingAudio = nil
		t.mu.Unlock()
		return
	}

	t.flushPendingAudio()
}

// flushPendingAudio forwards all buffered chunks to STT in order and
// marks the session connected.
func (t *Turn) flushPendingAudio() {
	t.mu.Lock()
	pending := t.pendingAudio
	t.pendingAudio = nil
	t.mu.Unlock()

	for _, chunk := range pending {
		if err := t.stt.SendAudio(chunk); err != nil {
			t.logger.Warn("stt flush send failed", "error", err)
		}
	}

	t.mu.Lock()
	t.sttConnected = true
	t.mu.Unlock()
}

// onSTTTranscript is the StreamingSTTProvider transcript callback. Only
// final transcripts are accumulated; interim transcripts are discarded.
func (t *Turn) onSTTTranscript(transcript string, isFinal bool) {
	if !isFinal {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentTranscript.Len() > 0 {
		t.currentTranscript.WriteByte(' ')
	}
	t.currentTranscript.WriteString(transcript)
}

// onSTTUtteranceEnd is the StreamingSTTProvider utterance-end callback.
func (t *Turn) onSTTUtteranceEnd() {
	t.mu.Lock()
	transcript := strings.TrimSpace(t.currentTranscript.String())
	t.mu.Unlock()
	if transcript == "" {
		return
	}

	if err := t.sm.OnUtteranceComplete(); err != nil {
		t.logger.Error("utterance-complete transition failed", "error", err)
		return
	}
	if err := t.stt.Disconnect(); err != nil {
		t.logger.Warn("stt disconnect failed", "error", err)
	}
	t.mu.Lock()
	t.sttConnected = false
	t.pendingAudio = nil
	t.mu.Unlock()

	t.ctxmgr.AddMessage("user", TextContent(transcript))
	t.scheduleBackground(func(ctx context.Context) error {
		return t.archive.Save(t.sessionID(), t.ctxmgr.GetMessages())
	})

	ctx := context.Background()
	t.processResponse(ctx)
}

// sessionID returns the active conversation id.
func (t *Turn) sessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// processResponse is the tool-iteration loop: up to cfg.MaxToolIterations
// rounds of streamed LLM completion, sentence-by-sentence TTS, and tool
// execution. LLM generation and TTS playback run as a true
// producer/consumer pair over AudioQueue/RunPipeline, with "first
// exception" join semantics and independent cancellation, rather than a
// single synchronous callback chain.
func (t *Turn) processResponse(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("process_response panicked", "recovered", r)
			t.recoverToActive()
		}
	}()

	for iteration := 0; iteration < t.cfg.MaxToolIterations; iteration++ {
		system := t.ctxmgr.BuildSystemBlocks("")
		tools := t.ctxmgr.BuildTools(t.tools)
		messages := t.ctxmgr.GetMessages()

		if t.sm.Current() != StateProcessing {
			return
		}

		if err := t.sm.OnTTSStarted(); err != nil {
			t.logger.Error("processing->speaking transition failed", "error", err)
			t.recoverToActive()
			return
		}

		player, err := t.newPlay()
		if err != nil {
			t.logger.Error("failed to start player", "error", err)
			t.recoverToActive()
			return
		}
		if err := player.Start(); err != nil {
			t.logger.Error("failed to start player process", "error", err)
			t.recoverToActive()
			return
		}

		if err := t.runAudioPipeline(ctx, system, tools, messages, player); err != nil {
			t.logger.Error("audio pipeline failed", "error", err)
			_ = player.Kill()
			t.recoverToActive()
			return
		}

		if t.sm.Current() != StateInterrupted {
			_ = player.Finish()
		}

		toolUse := t.llm.GetToolUseBlocks()
		if len(toolUse) == 0 {
			ok, err := t.sm.TryOnTTSComplete()
			if err != nil {
				t.logger.Error("speaking->active transition failed", "error", err)
				t.recoverToActive()
				return
			}
			if !ok {
				return
			}
			t.finalizeAssistantTurn()
			return
		}

		t.ctxmgr.AddMessage("assistant", t.llm.LastResponseContent())
		resultBlocks := t.executeTools(ctx, toolUse)
		t.ctxmgr.AddMessage("user", BlocksContent(resultBlocks))

		if t.sm.Current() != StateSpeaking {
			return
		}
		if err := t.sm.OnToolIteration(); err != nil {
			t.logger.Error("tool-iteration transition failed", "error", err)
			t.recoverToActive()
			return
		}
	}

	t.logger.Error("exhausted tool iterations without a final response")
	t.recoverToActive()
}

// recoverToActive forces the state machine to Active and starts the
// active-timeout if currently Processing or Speaking, matching the
// spec's error-recovery rule: "Do not force-recover from Idle/Listening/
// Interrupted".
func (t *Turn) recoverToActive() {
	switch t.sm.Current() {
	case StateProcessing, StateSpeaking:
		t.sm.ForceTo(StateActive)
		t.startActiveTimeout()
	}
}

// runAudioPipeline runs the LLM-streaming producer and the playback
// consumer concurrently over a bounded AudioQueue, with "first
// exception" join semantics via RunPipeline.
func (t *Turn) runAudioPipeline(ctx context.Context, system []SystemBlock, tools []ToolDefinition, messages []Message, player Player) error {
	queue := NewAudioQueue()

	produce := func(pctx context.Context) error {
		defer queue.Close()
		return t.produceAudio(pctx, system, tools, messages, queue)
	}
	consume := func(cctx context.Context) error {
		return t.consumeAudio(cctx, queue, player)
	}
	return RunPipeline(ctx, queue, produce, consume)
}

// produceAudio streams the LLM's response, chunking it into sentences and
// feeding each through TTS into the queue.
func (t *Turn) produceAudio(ctx context.Context, system []SystemBlock, tools []ToolDefinition, messages []Message, queue *AudioQueue) error {
	sentenceChunker := chunker.New()

	onDelta := func(delta StreamDelta) {
		for _, sentence := range sentenceChunker.Add(delta.Text) {
			if t.sm.Current() == StateInterrupted {
				return
			}
			t.synthesizeSentence(ctx, sentence, queue)
		}
	}

	if err := t.llm.StreamResponse(ctx, system, tools, messages, onDelta); err != nil {
		return fmt.Errorf("turn: llm stream: %w", err)
	}

	if t.sm.Current() == StateInterrupted {
		return nil
	}
	if remainder := sentenceChunker.Flush(); remainder != "" {
		t.synthesizeSentence(ctx, remainder, queue)
	}
	return nil
}

// synthesizeSentence streams one sentence's PCM frames into the queue,
// logging a queue-pressure warning at most once per
// cfg.QueuePressureLogEvery while the queue stays saturated.
func (t *Turn) synthesizeSentence(ctx context.Context, sentence string, queue *AudioQueue) {
	_ = t.tts.StreamSynthesize(ctx, sentence, t.cfg.Voice, t.cfg.Language, func(pcm []byte) error {
		if t.sm.Current() == StateInterrupted {
			return ErrContextCancelled
		}
		if len(queue.ch) >= queuePressureThreshold {
			t.mu.Lock()
			last := t.lastQueuePressureLog
			due := t.now().Sub(last) >= t.cfg.QueuePressureLogEvery
			if due {
				t.lastQueuePressureLog = t.now()
			}
			t.mu.Unlock()
			if due {
				t.logger.Warn("queue pressure", "depth", len(queue.ch))
			}
		}
		return queue.Put(ctx, pcm)
	})
}

// consumeAudio reads PCM frames from the queue until the Done sentinel,
// forwarding each to the player. Stops early on barge-in.
func (t *Turn) consumeAudio(ctx context.Context, queue *AudioQueue, player Player) error {
	first := true
	for {
		select {
		case chunk := <-queue.Chunks():
			if chunk.Done {
				return nil
			}
			if first {
				t.mu.Lock()
				t.speakingSince = t.now()
				t.mu.Unlock()
				first = false
			}
			if t.sm.Current() == StateInterrupted {
				return nil
			}
			if err := player.PlayChunk(chunk.Data); err != nil {
				return fmt.Errorf("turn: play chunk: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// executeTools runs every tool_use block through the tool registry and
// returns the ordered tool_result blocks, each a
// {tool_use_id, content, is_error} triple.
func (t *Turn) executeTools(ctx context.Context, toolUse []Block) []Block {
	results := make([]Block, 0, len(toolUse))
	for _, use := range toolUse {
		result, err := t.executeOne(ctx, use)
		results = append(results, result)
		if err != nil {
			t.logger.Warn("tool execution failed", "tool", use.ToolName, "error", err)
		}
	}
	return results
}

func (t *Turn) executeOne(ctx context.Context, use Block) (Block, error) {
	if t.tools == nil {
		return Block{
			Type:              BlockToolResult,
			ToolResultID:      use.ToolUseID,
			ToolResultContent: "no tool registry configured",
			IsError:           true,
		}, fmt.Errorf("no tool registry configured")
	}
	content, err := t.tools.Execute(ctx, use.ToolName, use.ToolInput)
	if err != nil {
		return Block{
			Type:              BlockToolResult,
			ToolResultID:      use.ToolUseID,
			ToolResultContent: err.Error(),
			IsError:           true,
		}, err
	}
	return Block{
		Type:              BlockToolResult,
		ToolResultID:      use.ToolUseID,
		ToolResultContent: content,
	}, nil
}

// finalizeAssistantTurn appends the completed assistant response to
// context, schedules its persistence and memory extraction, and starts
// the active-timeout.
func (t *Turn) finalizeAssistantTurn() {
	t.ctxmgr.AddMessage("assistant", t.llm.LastResponseContent())
	t.scheduleBackground(func(ctx context.Context) error {
		return t.archive.Save(t.sessionID(), t.ctxmgr.GetMessages())
	})
	t.startActiveTimeout()
	if t.memory != nil {
		t.scheduleBackground(func(ctx context.Context) error {
			return t.memory.ExtractAndSave(ctx, t.ctxmgr.GetMessages())
		})
	}
}

// handleBargeIn cancels the in-flight LLM/TTS/player, transitions
// Interrupted -> Listening, and reconnects STT.
func (t *Turn) handleBargeIn(ctx context.Context) {
	t.llm.Cancel()
	_ = t.tts.Abort()

	if err := t.sm.OnInterruptHandled(); err != nil {
		t.logger.Error("interrupt-handled transition failed", "error", err)
		return
	}

	t.mu.Lock()
	t.sttConnected = false
	t.currentTranscript.Reset()
	t.mu.Unlock()

	preBuffer := t.vad.DrainPreBuffer()
	t.vad.Reset()
	t.mu.Lock()
	t.pendingAudio = append(t.pendingAudio, preBuffer...)
	t.mu.Unlock()

	if err := t.stt.Connect(ctx, t.cfg.Language, t.onSTTTranscript, t.onSTTUtteranceEnd); err != nil {
		t.logger.Error("stt reconnect failed, hard reset to idle", "error", err)
		t.sm.ForceTo(StateIdle)
		t.mu.Lock()
		t.pendingAudio = nil
		t.mu.Unlock()
		return
	}

	t.flushPendingAudio()
}

// startActiveTimeout schedules a delayed Active->Idle transition,
// cancelling any previously-pending timeout first so it is never
// duplicated.
func (t *Turn) startActiveTimeout() {
	t.mu.Lock()
	if t.activeTimeoutCancel != nil {
		t.activeTimeoutCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.activeTimeoutCancel = cancel
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.ActiveTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			t.onActiveTimeout()
		case <-ctx.Done():
		}
	}()
}

func (t *Turn) onActiveTimeout() {
	t.mu.Lock()
	t.activeTimeoutCancel = nil
	t.mu.Unlock()

	if t.sm.Current() != StateActive {
		return
	}
	if err := t.sm.OnActiveTimeout(); err != nil {
		t.logger.Error("active-timeout transition failed", "error", err)
		return
	}
	if err := t.stt.Disconnect(); err != nil {
		t.logger.Warn("stt disconnect on active-timeout failed", "error", err)
	}
	t.vad.Reset()
	if err := t.SaveSessionLog(); err != nil {
		t.logger.Warn("save session log failed", "error", err)
	}
}

// SaveSessionLog archives every message since the last archival point and
// mints a fresh conversation id.
func (t *Turn) SaveSessionLog() error {
	t.mu.Lock()
	offset := t.sessionMsgOffset
	sessionID := t.conversationID
	t.mu.Unlock()

	all := t.ctxmgr.GetMessages()
	if offset >= len(all) {
		return nil
	}
	residual := all[offset:]
	if len(residual) == 0 {
		return nil
	}

	if err := t.archive.Save(sessionID, residual); err != nil {
		return err
	}

	t.mu.Lock()
	t.sessionMsgOffset = len(all)
	t.conversationID = uuid.NewString()
	t.mu.Unlock()
	return nil
}

// scheduleBackground runs fn in a tracked goroutine; the task removes
// itself from the background-task count on completion. Errors are
// logged, never fatal.
func (t *Turn) scheduleBackground(fn func(ctx context.Context) error) {
	t.bgMu.Lock()
	t.bgCount++
	t.bgMu.Unlock()

	go func() {
		defer func() {
			t.bgMu.Lock()
			t.bgCount--
			t.bgMu.Unlock()
		}()
		if err := fn(context.Background()); err != nil {
			t.logger.Warn("background task failed", "error", err)
		}
	}()
}

// Shutdown closes every owned resource, swallowing individual errors so
// shutdown always completes: disconnects STT, saves any residual
// session, cancels the active-timeout, and waits briefly for tracked
// background tasks to settle.
func (t *Turn) Shutdown(ctx context.Context) {
	t.mu.Lock()
	t.sttConnected = false
	if t.activeTimeoutCancel != nil {
		t.activeTimeoutCancel()
		t.activeTimeoutCancel = nil
	}
	t.mu.Unlock()

	if err := t.SaveSessionLog(); err != nil {
		t.logger.Warn("shutdown: save session log failed", "error", err)
	}
	if err := t.stt.Disconnect(); err != nil {
		t.logger.Warn("shutdown: stt disconnect failed", "error", err)
	}
	if err := t.tts.Abort(); err != nil {
		t.logger.Warn("shutdown: tts abort failed", "error", err)
	}

	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		t.bgMu.Lock()
		remaining := t.bgCount
		t.bgMu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			t.logger.Warn("shutdown: background tasks did not drain in time", "remaining", remaining)
			return
		case <-ctx.Done():
			return
		}
	}
}
