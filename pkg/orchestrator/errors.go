package orchestrator

import "errors"

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrLLMFailed = errors.New("language model generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrNotConnected is returned by STT send/forward paths once the
	// streaming session has given up reconnecting (exhausted retries
	// set connection-state to "not connected").
	ErrNotConnected = errors.New("stt stream is not connected")

	// ErrToolIterationsExhausted names the defense-in-depth fallback case:
	// the LLM kept requesting tools past MaxToolIterations. processResponse
	// recovers from that case without returning this error.
	ErrToolIterationsExhausted = errors.New("exhausted tool iterations without a final response")
)
