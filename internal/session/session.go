package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"hlsfetch/internal/config"
	"hlsfetch/internal/key"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/transport"
)

// Stream describes a media playlist that can be opened any number of times.
// Every Open starts an independent pipeline with its own caches.
type Stream struct {
	URL       string
	transport transport.Transport
	cfg       config.HLSConfig
	logger    logger.Logger
}

// NewStream creates a stream for the media playlist at url.
func NewStream(url string, t transport.Transport, cfg config.HLSConfig, log logger.Logger) *Stream {
	return &Stream{
		URL:       url,
		transport: t,
		cfg:       cfg,
		logger:    log,
	}
}

// Reader is the consumer side of an open stream.
type Reader struct {
	ID     string
	buffer *Buffer
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger

	mutex sync.Mutex
	err   error
}

// Open starts the planner and the writer and returns the reader they feed.
func (s *Stream) Open(ctx context.Context) (*Reader, error) {
	id := uuid.NewString()
	log := s.logger.With("stream", id, "url", s.URL)

	buffer := NewBuffer(s.cfg.BufferSize)
	keys := key.NewService(s.transport, log, s.cfg.SegmentKeyURI)
	writer, err := NewWriter(s.transport, keys, buffer, s.cfg.SegmentThreads, log)
	if err != nil {
		return nil, err
	}
	worker := NewWorker(s.transport, s.URL, WorkerOptions{
		LiveEdge:    s.cfg.LiveEdge,
		ReloadTime:  s.cfg.ReloadTime,
		StartOffset: s.cfg.StartOffset,
		Duration:    s.cfg.Duration,
		LiveRestart: s.cfg.LiveRestart,
	}, log)

	queueSize := max(s.cfg.QueueSize, 1)
	plans := make(chan *models.FetchPlan, queueSize)

	ctx, cancel := context.WithCancel(ctx)
	r := &Reader{
		ID:     id,
		buffer: buffer,
		cancel: cancel,
		logger: log,
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := worker.Run(ctx, plans); err != nil {
			r.fail(fmt.Errorf("failed to open stream: %w", err))
		}
		close(plans)
	}()
	go func() {
		defer r.wg.Done()
		if err := writer.Run(ctx, plans); err != nil {
			r.fail(err)
			return
		}
		buffer.CloseWrite()
	}()

	// context cancellation from the caller closes the stream as well
	go func() {
		<-ctx.Done()
		buffer.Close()
	}()

	log.Infof("Opened stream %s", s.URL)
	return r, nil
}

// fail records the first fatal error and tears the stream down.
func (r *Reader) fail(err error) {
	r.mutex.Lock()
	if r.err == nil {
		r.err = err
		r.logger.Errorf("Closing stream: %v", err)
	}
	r.mutex.Unlock()
	r.cancel()
	r.buffer.Close()
}

// Read reads stream bytes. It returns io.EOF at the end of the stream or after Close.
func (r *Reader) Read(p []byte) (int, error) {
	return r.buffer.Read(p)
}

// Close stops both pipeline loops and waits for them to exit.
func (r *Reader) Close() error {
	r.cancel()
	r.buffer.Close()
	r.wg.Wait()
	r.logger.Debugf("Stream %s closed.", r.ID)
	return nil
}

// Err reports the fatal error that ended the stream, if any.
func (r *Reader) Err() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.err
}
