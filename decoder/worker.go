package decoder

import (
	"context"
	"sync"
)

// Worker decodes chunks on its own goroutine. Batches are handed over
// without copying; the receiver owns them.
type Worker struct {
	batches chan Batch
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
	n   int64
}

// Start decodes chunks until the channel closes or ctx is cancelled. A
// closed chunk channel is the end of the stream.
func Start(ctx context.Context, chunks <-chan []byte, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		batches: make(chan Batch, 4),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go w.run(ctx, chunks, New(opts...))
	return w
}

// Run is Start for callers that only want the batches.
func Run(ctx context.Context, chunks <-chan []byte) <-chan Batch {
	return Start(ctx, chunks).Batches()
}

func (w *Worker) run(ctx context.Context, chunks <-chan []byte, d *Decoder) {
	defer close(w.done)
	defer close(w.batches)
	defer w.cancel()

	for {
		select {
		case <-ctx.Done():
			w.finish(d, ctx.Err())
			return
		case chunk, ok := <-chunks:
			if !ok {
				w.finish(d, d.End())
				return
			}
			b, err := d.Write(chunk)
			if err != nil {
				w.finish(d, err)
				return
			}
			if b.Len() == 0 {
				continue
			}
			select {
			case w.batches <- b:
			case <-ctx.Done():
				w.finish(d, ctx.Err())
				return
			}
		}
	}
}

func (w *Worker) finish(d *Decoder, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	w.n = d.Points()
}

// Batches yields decoded batches and closes when decoding stops.
func (w *Worker) Batches() <-chan Batch { return w.batches }

// Stop cancels decoding and waits for the goroutine to exit.
func (w *Worker) Stop() {
	w.cancel()
	// Unblock a pending send.
	for range w.batches {
	}
	<-w.done
}

// Wait blocks until decoding stops and returns the number of points decoded
// and why it stopped: nil for a clean end, ErrTruncatedRecord for a stream
// that ended inside a record, or the context error. Drain Batches first.
func (w *Worker) Wait() (int64, error) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n, w.err
}
