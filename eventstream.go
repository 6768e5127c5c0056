package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrStreamClosed is returned by Flush after the transport has gone away.
var ErrStreamClosed = errors.New("event stream closed")

// Transport is the consumer side of an EventStream.
type Transport interface {
	// WriteChunk hands p to the transport. It reports false when the
	// transport accepted p but cannot take more until Ready fires.
	WriteChunk(p []byte) (bool, error)
	// Ready fires when a transport that reported false can accept data again.
	Ready() <-chan struct{}
	// Flush pushes accepted data to the consumer.
	Flush() error
}

// StreamOptions tune buffering of an EventStream.
type StreamOptions struct {
	// HighWaterMark is the buffered size that forces an immediate flush.
	HighWaterMark int
	// ChunkSize bounds each write to the transport.
	ChunkSize int
	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration
}

// DefaultStreamOptions returns the production buffering settings.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		HighWaterMark: 16 * 1024,
		ChunkSize:     4 * 1024,
		FlushInterval: 100 * time.Millisecond,
	}
}

func (o StreamOptions) withDefaults() StreamOptions {
	d := DefaultStreamOptions()
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = d.HighWaterMark
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	return o
}

// EventStream buffers serialized events and drains them to a Transport in
// order. A full buffer or the periodic ticker triggers a flush; a transport
// that reports backpressure suspends the drain until it is ready again.
// Close is idempotent and writes after Close are dropped silently.
type EventStream struct {
	ctx       context.Context
	transport Transport
	opts      StreamOptions
	logger    *slog.Logger

	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool
	err     error

	// drainMu keeps drains sequential so frames leave in write order.
	drainMu sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewEventStream starts a stream over t. ctx bounds waits on backpressure.
func NewEventStream(ctx context.Context, t Transport, opts StreamOptions, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStream{
		ctx:       ctx,
		transport: t,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "event_stream"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// run owns the flush ticker until Close.
func (s *EventStream) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Debug("periodic flush failed", "error", err)
			}
		}
	}
}

// Write buffers event, flushing when the buffer reaches the high-water mark.
// It returns the transport's error once the transport has failed.
func (s *EventStream) Write(event Event) error {
	frame, err := EncodeSSE(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.pending.Write(frame)
	full := s.pending.Len() >= s.opts.HighWaterMark
	s.mu.Unlock()

	if full {
		return s.Flush()
	}
	return nil
}

// Flush drains everything buffered so far in ChunkSize pieces.
func (s *EventStream) Flush() error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	data := bytes.Clone(s.pending.Bytes())
	s.pending.Reset()
	s.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	for offset := 0; offset < len(data); offset += s.opts.ChunkSize {
		end := min(offset+s.opts.ChunkSize, len(data))

		ready, err := s.transport.WriteChunk(data[offset:end])
		if err != nil {
			return s.fail(fmt.Errorf("failed to write to transport: %w", err))
		}
		if ready {
			continue
		}

		select {
		case <-s.transport.Ready():
		case <-s.ctx.Done():
			return s.fail(fmt.Errorf("%w: %w", ErrStreamClosed, s.ctx.Err()))
		}
	}

	if err := s.transport.Flush(); err != nil {
		return s.fail(fmt.Errorf("failed to flush transport: %w", err))
	}
	return nil
}

// fail records the first transport error and drops anything still buffered.
func (s *EventStream) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
	s.pending.Reset()
	return s.err
}

// Close stops the ticker and performs one final flush. Later calls return
// the first call's result.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		<-s.done

		s.closeErr = s.Flush()
	})
	return s.closeErr
}

// ginTransport adapts a gin response writer. Writes block until the
// connection takes them, so it never reports backpressure.
type ginTransport struct {
	writer gin.ResponseWriter
}

func newGinTransport(c *gin.Context) *ginTransport {
	return &ginTransport{writer: c.Writer}
}

func (t *ginTransport) WriteChunk(p []byte) (bool, error) {
	if _, err := t.writer.Write(p); err != nil {
		return false, err
	}
	return true, nil
}

// readyChan is permanently closed: a blocking writer is always ready.
var readyChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *ginTransport) Ready() <-chan struct{} {
	return readyChan
}

func (t *ginTransport) Flush() error {
	t.writer.Flush()
	return nil
}
