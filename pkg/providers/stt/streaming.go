package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// backoffSchedule is the exponential retry ladder: 0.5s, 1.0s,
// 2.0s, capped at 4 attempts total.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	2 * time.Second,
}

// sessionStartTimeout bounds how long Connect waits for the service's
// session-started acknowledgement before giving up.
const sessionStartTimeout = 5 * time.Second

// wireMessage is the service's message envelope. Words is populated when the
// service returns a word array instead of (or alongside) a flat transcript,
// triggering Korean-style reconstruction.
type wireMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	IsFinal       bool   `json:"is_final"`
	UtteranceEnd  bool   `json:"utterance_end"`
	Error         string `json:"error"`
	SessionStart  bool   `json:"session_start"`
	Words         []wireWord `json:"words,omitempty"`
}

type wireWord struct {
	PunctuatedWord string `json:"punctuated_word"`
	Word           string `json:"word"`
}

// reconstructWords rebuilds a transcript from a word array by joining
// punctuated_word||word with single spaces, whitespace-normalized — the
// Korean reconstruction rule (the raw transcript field can omit
// word boundaries the per-word array preserves).
func reconstructWords(words []wireWord) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		tok := w.PunctuatedWord
		if tok == "" {
			tok = w.Word
		}
		if tok != "" {
			parts = append(parts, tok)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// StreamingClient is a persistent, reconnecting WebSocket STT session
// implementing orchestrator.StreamingSTTProvider: a dial-and-wait-for-ack
// connect path, a dedicated receive goroutine delivering transcripts and
// utterance-end events via callback, and a send path that disconnects
// immediately on write failure.
type StreamingClient struct {
	apiKey string
	host   string
	path   string
	scheme string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	onTranscript   orchestrator.TranscriptCallback
	onUtteranceEnd orchestrator.UtteranceEndCallback

	recvCancel context.CancelFunc
	recvDone   chan struct{}
}

func NewStreamingClient(apiKey, host, path string) *StreamingClient {
	return &StreamingClient{apiKey: apiKey, host: host, path: path}
}

func (c *StreamingClient) Name() string { return "streaming-stt" }

// Transcribe is a one-shot batch transcription for callers that don't need
// a live session: it opens a connection, sends the whole buffer, and
// collects the final transcript.
func (c *StreamingClient) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	var final string
	done := make(chan struct{})
	err := c.Connect(ctx, lang, func(transcript string, isFinal bool) {
		if isFinal {
			final = transcript
		}
	}, func() { close(done) })
	if err != nil {
		return "", err
	}
	defer c.Disconnect()
	if err := c.SendAudio(audio); err != nil {
		return "", err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return final, nil
}

// Connect is reentrant: reusing an already-open session is a
// no-op. On failure it retries with exponential backoff up to 4 attempts;
// on exhaustion it leaves Connected() false and returns the last error.
func (c *StreamingClient) Connect(ctx context.Context, lang orchestrator.Language, onTranscript orchestrator.TranscriptCallback, onUtteranceEnd orchestrator.UtteranceEndCallback) error {
	c.mu.Lock()
	if c.connected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.onTranscript = onTranscript
	c.onUtteranceEnd = onUtteranceEnd
	c.mu.Unlock()

	var lastErr error
	for attempt, delay := 0, time.Duration(0); attempt < len(backoffSchedule); attempt++ {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.dialAndWaitStarted(ctx, lang); err != nil {
			lastErr = err
			delay = backoffSchedule[attempt]
			continue
		}
		return nil
	}
	return fmt.Errorf("stt streaming: exhausted retries: %w", lastErr)
}

func (c *StreamingClient) dialAndWaitStarted(ctx context.Context, lang orchestrator.Language) error {
	scheme := c.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.host, Path: c.path, RawQuery: "api_key=" + c.apiKey + "&lang=" + string(lang)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, sessionStartTimeout)
	defer cancel()
	_, payload, err := conn.Read(startCtx)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "session-start timeout")
		return fmt.Errorf("session-started ack: %w", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil || !msg.SessionStart {
		conn.Close(websocket.StatusAbnormalClosure, "unexpected first message")
		return fmt.Errorf("expected session_start ack, got %q", payload)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	recvCtx, recvCancel := context.WithCancel(context.Background())
	c.recvCancel = recvCancel
	c.recvDone = make(chan struct{})
	go c.recvLoop(recvCtx, conn)
	return nil
}

func (c *StreamingClient) recvLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.recvDone)
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.conn = nil
			c.mu.Unlock()
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			continue // error messages are dropped without logging; session continues
		}
		transcript := msg.Transcript
		if len(msg.Words) > 0 {
			transcript = reconstructWords(msg.Words)
		}
		if transcript != "" {
			c.onTranscript(transcript, msg.IsFinal)
		}
		if msg.UtteranceEnd {
			c.onUtteranceEnd()
		}
	}
}

// SendAudio is fire-and-forget; a write failure disconnects immediately so
// the orchestrator's Connected() check stops forwarding further audio.
func (c *StreamingClient) SendAudio(chunk []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return orchestrator.ErrNotConnected
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (c *StreamingClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *StreamingClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	cancel := c.recvCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}
