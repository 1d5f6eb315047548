package media

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Frame is one encoded media sample observed on a local or remote track.
type Frame struct {
	TrackID   string
	Kind      Kind
	MimeType  string
	Data      []byte
	Duration  time.Duration
	Timestamp time.Duration
}

// FrameSource is anything that publishes encoded frames: local capture
// tracks and remote tracks received by a peer transport.
type FrameSource interface {
	ID() string
	Kind() Kind
	Codec() webrtc.RTPCodecCapability
	Subscribe(buffer int) (<-chan Frame, func())
}

// Fanout distributes frames to any number of subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the frame.
type Fanout struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Frame
	closed bool
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// may be called more than once. The channel is closed on unsubscribe or when
// the fanout closes.
func (f *Fanout) Subscribe(buffer int) (<-chan Frame, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Frame, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[int]chan Frame)
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Publish delivers frame to every subscriber with buffer space.
func (f *Fanout) Publish(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub <- frame:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscribers receive a closed
// channel.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub)
	}
}

// Subscribers returns the number of active subscribers.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
