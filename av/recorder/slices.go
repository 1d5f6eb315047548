package recorder

import (
	"bytes"
	"sync"
)

// sliceBuffer receives the container stream and cuts it into slices. It is
// the io.WriteCloser handed to container writers; Close only marks the
// stream finished.
type sliceBuffer struct {
	mu      sync.Mutex
	current bytes.Buffer
	slices  [][]byte
	closed  bool
	done    chan struct{}
}

func newSliceBuffer() *sliceBuffer {
	return &sliceBuffer{done: make(chan struct{})}
}

func (b *sliceBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Write(p)
}

func (b *sliceBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// cut moves the pending bytes into a new slice. Empty slices are skipped.
func (b *sliceBuffer) cut() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current.Len() == 0 {
		return len(b.slices)
	}
	slice := make([]byte, b.current.Len())
	copy(slice, b.current.Bytes())
	b.slices = append(b.slices, slice)
	b.current.Reset()
	return len(b.slices)
}

func (b *sliceBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slices)
}

func (b *sliceBuffer) all() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.slices...)
}
