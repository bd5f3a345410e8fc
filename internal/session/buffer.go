package session

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Buffer.Write after the buffer was closed.
var ErrClosed = errors.New("stream buffer closed")

// Buffer is a bounded single-producer, single-consumer byte queue.
// Write blocks while the buffer is full and Read blocks while it is empty.
type Buffer struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	data     bytes.Buffer
	capacity int
	eof      bool
	closed   bool
}

// NewBuffer creates a buffer holding at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{capacity: capacity}
	b.cond = sync.NewCond(&b.mutex)
	return b
}

// Write copies p into the buffer, blocking until there is room for all of it.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	written := 0
	for written < len(p) {
		for !b.closed && !b.eof && b.data.Len() >= b.capacity {
			b.cond.Wait()
		}
		if b.closed || b.eof {
			return written, ErrClosed
		}

		n := min(b.capacity-b.data.Len(), len(p)-written)
		b.data.Write(p[written : written+n])
		written += n
		b.cond.Broadcast()
	}
	return written, nil
}

// Read blocks until data is available. It returns io.EOF once the writer finished
// and everything was consumed, or immediately after Close.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for !b.closed && !b.eof && b.data.Len() == 0 {
		b.cond.Wait()
	}
	if b.closed || b.data.Len() == 0 {
		return 0, io.EOF
	}

	n, _ := b.data.Read(p)
	b.cond.Broadcast()
	return n, nil
}

// CloseWrite marks the end of the stream. Buffered bytes remain readable.
func (b *Buffer) CloseWrite() {
	b.mutex.Lock()
	b.eof = true
	b.mutex.Unlock()
	b.cond.Broadcast()
}

// Close discards buffered bytes and unblocks both sides.
func (b *Buffer) Close() error {
	b.mutex.Lock()
	b.closed = true
	b.data.Reset()
	b.mutex.Unlock()
	b.cond.Broadcast()
	return nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.data.Len()
}
