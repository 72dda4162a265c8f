package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// audioQueueCapacity is the fixed channel capacity for the TTS
// producer/consumer pipeline.
const audioQueueCapacity = 32

// AudioChunk is one unit flowing through the audio pipeline: either a
// PCM buffer to play, or the end-of-stream sentinel (Done true, Data
// nil) posted exactly once per stream invocation.
type AudioChunk struct {
	Data []byte
	Done bool
}

// AudioQueue is the bounded producer/consumer channel between the TTS
// streaming producer and the playback consumer. The producer blocks
// under back-pressure once the queue is full; the consumer reads until
// the Done sentinel. The two sides run under an errgroup.Group so
// whichever of produce/consume returns an error first cancels the other
// through the group's derived context; a nil return cancels nothing.
type AudioQueue struct {
	ch chan AudioChunk
}

// NewAudioQueue allocates a queue at the standard capacity.
func NewAudioQueue() *AudioQueue {
	return &AudioQueue{ch: make(chan AudioChunk, audioQueueCapacity)}
}

// Put enqueues a chunk, blocking if the queue is full. Returns
// ctx.Err() if ctx is cancelled while blocked.
func (q *AudioQueue) Put(ctx context.Context, data []byte) error {
	select {
	case q.ch <- AudioChunk{Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close posts the Done sentinel exactly once. Callers must ensure this
// is called exactly once per stream invocation, typically from a defer
// in the producer so it runs on every exit path (including panics
// recovered upstream and early returns on cancellation).
func (q *AudioQueue) Close() {
	q.ch <- AudioChunk{Done: true}
}

// Chunks exposes the receive-only channel for the consumer's range
// loop. The consumer must stop reading once it receives a chunk with
// Done set — no further sends are guaranteed after that point.
func (q *AudioQueue) Chunks() <-chan AudioChunk {
	return q.ch
}

// RunPipeline runs produce and consume concurrently with "first
// exception" join semantics: if either returns an error, the shared
// context is cancelled and the other is expected to observe ctx.Done()
// and return promptly. The first non-nil error is returned; produce is
// responsible for calling q.Close() on every exit path.
func RunPipeline(ctx context.Context, q *AudioQueue, produce, consume func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return produce(gctx) })
	g.Go(func() error { return consume(gctx) })
	return g.Wait()
}
