package audio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DrainState is the outcome of a non-blocking drain attempt.
type DrainState int

const (
	Empty DrainState = iota
	Ready
	EndOfStream
)

func (s DrainState) String() string {
	switch s {
	case Ready:
		return "ready"
	case EndOfStream:
		return "end_of_stream"
	default:
		return "empty"
	}
}

// CaptureBuffer hands PCM chunks from the driver callback to a single
// consumer. The queue is unbounded; the consumer is expected to drain
// promptly. Closing enqueues a terminal marker behind every pending chunk.
type CaptureBuffer struct {
	mutex   sync.Mutex
	pending [][]byte
	spare   [][]byte
	closed  bool

	wake chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func NewCaptureBuffer() *CaptureBuffer {
	return &CaptureBuffer{
		pending: make([][]byte, 0, 16),
		spare:   make([][]byte, 0, 16),
		wake:    make(chan struct{}, 1),
	}
}

// Push appends chunk to the tail of the queue and takes ownership of it. It is
// called from the driver callback, so it never blocks beyond a short critical
// section and never fails. Chunks pushed after Close are dropped and Push
// reports false.
func (b *CaptureBuffer) Push(chunk []byte) bool {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		b.dropped.Add(1)
		return false
	}
	if len(chunk) > 0 {
		b.pending = append(b.pending, chunk)
	}
	b.mutex.Unlock()

	b.pushed.Add(1)
	b.signal()
	return true
}

// Close enqueues the terminal marker, waking a blocked consumer. Calls after
// the first are no-ops.
func (b *CaptureBuffer) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	b.mutex.Unlock()

	b.signal()
}

func (b *CaptureBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next blocks until at least one chunk or the terminal marker is available.
// It coalesces every chunk queued ahead of the marker into one batch and
// returns io.EOF once only the marker remains. There is no timeout; ctx is
// the only way to abandon the wait. Only one goroutine may call Next.
func (b *CaptureBuffer) Next(ctx context.Context) (Batch, error) {
	for {
		batch, state := b.TryNext()
		switch state {
		case Ready:
			log.Debug().
				Int("chunks", batch.Chunks).
				Int("bytes", len(batch.Data)).
				Msg("Drained audio batch")
			return batch, nil
		case EndOfStream:
			return Batch{}, io.EOF
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// TryNext is the non-blocking form of Next. It returns Empty instead of
// waiting. The terminal marker is never consumed, so once the pending chunks
// are gone every call reports EndOfStream.
func (b *CaptureBuffer) TryNext() (Batch, DrainState) {
	b.mutex.Lock()
	chunks := b.pending
	closed := b.closed
	if len(chunks) > 0 {
		b.pending = b.spare[:0]
		b.spare = nil
	}
	b.mutex.Unlock()

	if len(chunks) == 0 {
		if closed {
			return Batch{}, EndOfStream
		}
		return Batch{}, Empty
	}

	batch := Batch{Data: join(chunks), Chunks: len(chunks)}

	clear(chunks)
	b.mutex.Lock()
	if b.spare == nil {
		b.spare = chunks[:0]
	}
	b.mutex.Unlock()

	return batch, Ready
}

// Len returns the number of chunks waiting to be drained.
func (b *CaptureBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.pending)
}

// Closed reports whether the terminal marker has been enqueued.
func (b *CaptureBuffer) Closed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.closed
}

// Pushed returns the number of chunks accepted since creation.
func (b *CaptureBuffer) Pushed() uint64 {
	return b.pushed.Load()
}

// Dropped returns the number of chunks rejected because the buffer was closed.
func (b *CaptureBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

func join(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}

	size := 0
	for _, c := range chunks {
		size += len(c)
	}

	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return data
}
