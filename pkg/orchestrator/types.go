// Package orchestrator implements the turn orchestrator: the single-
// threaded cooperative state machine that multiplexes the microphone
// producer, the STT/LLM/TTS streaming clients, the bounded audio pipeline,
// the tool-execution loop and the barge-in protocol.
package orchestrator

import (
	"context"
	"time"
)

// Logger is the narrow logging surface every component depends on, kept
// separate from any concrete logging library so providers stay free of a
// hard dependency on it. pkg/logging supplies the zerolog-backed default;
// NoOpLogger is for tests.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Voice and Language describe the TTS/STT locale surface.
type Voice string
type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageKo Language = "ko"
	LanguageJa Language = "ja"
)

// TranscriptCallback receives every partial and committed transcript for
// the life of one streaming session. isFinal marks a committed transcript;
// the streaming client guarantees every final callback for an utterance
// precedes the corresponding UtteranceEndCallback.
type TranscriptCallback func(transcript string, isFinal bool)

// UtteranceEndCallback fires once the service signals the end of the
// current utterance, strictly after the last TranscriptCallback(final) for
// that utterance.
type UtteranceEndCallback func()

// StreamingSTTProvider is a persistent, reconnecting WebSocket transcription
// session. Connect is reentrant: calling it while already connected
// is a no-op. SendAudio is fire-and-forget; a send failure triggers an
// internal disconnect and subsequent Connected() calls report false.
type StreamingSTTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
	Connect(ctx context.Context, lang Language, onTranscript TranscriptCallback, onUtteranceEnd UtteranceEndCallback) error
	SendAudio(chunk []byte) error
	Connected() bool
	Disconnect() error
}

// BlockType distinguishes the members of a Content union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of an assistant or user message's content list. A
// Block is exactly one of: text, tool_use, or tool_result — callers switch
// on Type and read only the fields that apply.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID string      `json:"id,omitempty"`
	ToolName  string      `json:"name,omitempty"`
	ToolInput interface{} `json:"input,omitempty"`

	// BlockToolResult
	ToolResultID      string `json:"tool_use_id,omitempty"`
	ToolResultContent string `json:"content,omitempty"`
	IsError           bool   `json:"is_error,omitempty"`
}

// Content is a tagged union: a message's content is
// either a plain string (the common case) or an ordered list of typed
// blocks (tool_use / tool_result round-tripping). Exactly one of Text or
// Blocks is meaningful, selected by IsBlocks.
type Content struct {
	Text     string
	Blocks   []Block
	IsBlocks bool
}

// TextContent wraps a plain string as Content.
func TextContent(s string) Content { return Content{Text: s} }

// BlocksContent wraps an ordered block list as Content.
func BlocksContent(blocks []Block) Content { return Content{Blocks: blocks, IsBlocks: true} }

// IsPureToolResult reports whether this content is a non-empty blocks list
// whose every block is tool_result — the shape the window-trimming rule
// must skip past.
func (c Content) IsPureToolResult() bool {
	if !c.IsBlocks || len(c.Blocks) == 0 {
		return false
	}
	for _, b := range c.Blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// Flatten renders Content as plain text for archival, flattening
// content-block lists to a space-joined string.
func (c Content) Flatten() string {
	if !c.IsBlocks {
		return c.Text
	}
	var out string
	for i, b := range c.Blocks {
		if i > 0 {
			out += " "
		}
		switch b.Type {
		case BlockText:
			out += b.Text
		case BlockToolUse:
			out += b.ToolName
		case BlockToolResult:
			out += b.ToolResultContent
		}
	}
	return out
}

// Message is one conversation turn: a role and its content.
type Message struct {
	Role    string // "user" | "assistant"
	Content Content
}

// ToolDefinition describes one callable tool surfaced to the LLM, with an
// optional prompt-cache marker (only the last tool in the built list
// carries one).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	CacheMarker bool
}

// SystemBlock is one of the three system-prompt blocks built by the context
// manager; Cacheable controls whether a cache_control marker is attached.
type SystemBlock struct {
	Text      string
	Cacheable bool
}

// StreamDelta is one increment of an LLM streaming response.
type StreamDelta struct {
	Text string
}

// LLMProvider is a non-streaming chat completion backend, used by the
// memory extractor and community detector (single-shot extraction /
// summarization calls do not need token-level streaming or tool use).
type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// StreamingLLMProvider is the turn orchestrator's chat client:
// streamed text deltas plus a captured final structured message containing
// any tool_use blocks. LastResponseContent and GetToolUseBlocks refer to
// the most recent StreamResponse call; StreamResponse resets both at the
// start of every call.
type StreamingLLMProvider interface {
	StreamResponse(ctx context.Context, system []SystemBlock, tools []ToolDefinition, messages []Message, onDelta func(StreamDelta)) error
	Cancel()
	LastResponseContent() Content
	GetToolUseBlocks() []Block
	Name() string
}

// TTSProvider is a cancellable text-to-PCM streaming backend.
// StreamSynthesize must keep yielding frames to onChunk until the service
// signals end-of-stream or Abort is called; Abort is idempotent.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error
	Abort() error
	Name() string
}

// ToolExecutor executes one named tool call and returns its stringified
// result, or an error if execution failed (surfaced to the LLM as
// tool_result.is_error, never fatal to the turn).
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input interface{}) (string, error)
	BuildTools() []ToolDefinition
}

// MemoryExtractor is the interface the orchestrator holds; see pkg/memory
// for the concrete implementation.
type MemoryExtractor interface {
	ExtractAndSave(ctx context.Context, messages []Message) error
	PreLoadContext(ctx context.Context, query string) (string, error)
}

// Config is the subset of environment-derived settings the orchestrator
// itself consumes; the full settings surface lives in pkg/config.
type Config struct {
	SampleRate            int
	Channels              int
	VADThreshold          float64
	VADThresholdSpeaking  float64
	VADPreBufferChunks    int
	MaxToolIterations     int
	AudioQueueCapacity    int
	BargeInFrames         int
	BargeInGrace          time.Duration
	ActiveTimeout         time.Duration
	QueuePressureLogEvery time.Duration
	Language              Language
	Voice                 Voice
}

func DefaultConfig() Config {
	return Config{
		SampleRate:            16000,
		Channels:              1,
		VADThreshold:          0.35,
		VADThresholdSpeaking:  0.75,
		VADPreBufferChunks:    8,
		MaxToolIterations:     3,
		AudioQueueCapacity:    32,
		BargeInFrames:         6,
		BargeInGrace:          1500 * time.Millisecond,
		ActiveTimeout:         20 * time.Second,
		QueuePressureLogEvery: 5 * time.Second,
		Language:              LanguageEn,
	}
}
