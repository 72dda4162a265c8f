package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAudioQueuePutAndConsumeSentinel(t *testing.T) {
	q := NewAudioQueue()
	ctx := context.Background()

	go func() {
		defer q.Close()
		_ = q.Put(ctx, []byte("chunk1"))
		_ = q.Put(ctx, []byte("chunk2"))
	}()

	var got [][]byte
	for chunk := range q.Chunks() {
		if chunk.Done {
			break
		}
		got = append(got, chunk.Data)
	}
	if len(got) != 2 || string(got[0]) != "chunk1" || string(got[1]) != "chunk2" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestRunPipelineReturnsFirstError(t *testing.T) {
	q := NewAudioQueue()
	boom := errors.New("producer failed")

	produce := func(ctx context.Context) error {
		defer q.Close()
		return boom
	}
	consume := func(ctx context.Context) error {
		for {
			select {
			case chunk := <-q.Chunks():
				if chunk.Done {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	err := RunPipeline(context.Background(), q, produce, consume)
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error to propagate, got %v", err)
	}
}

func TestRunPipelineConsumerObservesCancellationOnProducerError(t *testing.T) {
	q := NewAudioQueue()
	boom := errors.New("producer failed")

	produce := func(ctx context.Context) error {
		return boom
	}
	consume := func(ctx context.Context) error {
		select {
		case <-q.Chunks():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan error, 1)
	go func() { done <- RunPipeline(context.Background(), q, produce, consume) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected producer error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not terminate after producer error cancelled the group context")
	}
}

func TestAudioQueuePutRespectsContextCancellation(t *testing.T) {
	q := NewAudioQueue()
	for i := 0; i < 32; i++ {
		_ = q.Put(context.Background(), []byte("fill"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := q.Put(ctx, []byte("overflow")); err == nil {
		t.Fatal("expected Put to return an error once ctx is cancelled and queue is full")
	}
}
