package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives envelopes delivered on a channel.
type Handler func(Envelope)

// Relay is a best-effort message relay between participants.
type Relay interface {
	// Send publishes env on channel. A nil error does not mean delivery.
	Send(ctx context.Context, channel string, env Envelope) error
	// Subscribe registers handler for channel. The returned function
	// removes the subscription and may be called more than once.
	Subscribe(channel string, handler Handler) (func(), error)
}

const mailboxSize = 64

// MemoryRelay is an in-process Relay. Each subscription has its own mailbox
// drained by a goroutine, so handlers never run on the sender's goroutine
// and see envelopes in send order.
type MemoryRelay struct {
	// Drop, when set, discards envelopes for which it returns true.
	Drop func(channel string, env Envelope) bool
	// Duplicate delivers every envelope twice.
	Duplicate bool

	mu     sync.Mutex
	next   int
	subs   map[string]map[int]*mailbox
	sent   []Envelope
	closed bool
}

type mailbox struct {
	ch       chan Envelope
	done     chan struct{}
	stopOnce sync.Once
}

func (m *mailbox) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]*mailbox)}
}

// Send implements Relay.
func (r *MemoryRelay) Send(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return ErrEmptyChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	r.sent = append(r.sent, env)

	if r.Drop != nil && r.Drop(channel, env) {
		logrus.WithFields(logrus.Fields{
			"function":   "MemoryRelay.Send",
			"channel":    channel,
			"type":       env.Type,
			"session_id": env.SessionID,
		}).Debug("Dropping envelope")
		return nil
	}

	copies := 1
	if r.Duplicate {
		copies = 2
	}
	for _, box := range r.subs[channel] {
		for i := 0; i < copies; i++ {
			select {
			case box.ch <- env:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "MemoryRelay.Send",
					"channel":  channel,
					"type":     env.Type,
				}).Warn("Mailbox full, dropping envelope")
			}
		}
	}
	return nil
}

// Subscribe implements Relay.
func (r *MemoryRelay) Subscribe(channel string, handler Handler) (func(), error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}

	box := &mailbox{ch: make(chan Envelope, mailboxSize), done: make(chan struct{})}
	id := r.next
	r.next++
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[int]*mailbox)
	}
	r.subs[channel][id] = box

	go func() {
		for {
			select {
			case <-box.done:
				return
			case env := <-box.ch:
				handler(env)
			}
		}
	}()

	return func() {
		r.mu.Lock()
		if subs, ok := r.subs[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subs, channel)
			}
		}
		r.mu.Unlock()
		box.stop()
	}, nil
}

// Subscribers returns the number of subscriptions on channel.
func (r *MemoryRelay) Subscribers(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[channel])
}

// Sent returns every envelope passed to Send, including dropped ones.
func (r *MemoryRelay) Sent() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentOfType returns the sent envelopes of type t.
func (r *MemoryRelay) SentOfType(t Type) []Envelope {
	var out []Envelope
	for _, env := range r.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Close stops every subscription. Later calls fail with ErrRelayClosed.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for channel, subs := range r.subs {
		for _, box := range subs {
			box.stop()
		}
		delete(r.subs, channel)
	}
	return nil
}
