package av

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/pion/webrtc/v4"
)

// SimulatedDriver connects group participants without a network. Delays,
// failures and audio levels come from a seeded generator, so a given seed
// replays the same call.
type SimulatedDriver struct {
	// MinDelay and MaxDelay bound the time a dial takes.
	MinDelay time.Duration
	MaxDelay time.Duration
	// FailRate is the probability that a dial fails.
	FailRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	legs map[string]*simLeg
}

// NewSimulatedDriver creates a driver seeded with seed.
func NewSimulatedDriver(seed int64) *SimulatedDriver {
	return &SimulatedDriver{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 1500 * time.Millisecond,
		rng:      rand.New(rand.NewSource(seed)),
		legs:     make(map[string]*simLeg),
	}
}

// Dial waits a random delay and then connects p, unless the draw fails.
func (d *SimulatedDriver) Dial(ctx context.Context, sessionID string, p Participant, _ *media.Stream) (Leg, error) {
	d.mu.Lock()
	delay := d.MinDelay
	if span := d.MaxDelay - d.MinDelay; span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span)))
	}
	fail := d.rng.Float64() < d.FailRate
	d.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if fail {
		return nil, fmt.Errorf("%w: %s in %s", ErrSimulatedDialFailure, p.ID, sessionID)
	}

	leg := &simLeg{driver: d, id: p.ID, done: make(chan struct{})}
	d.mu.Lock()
	d.legs[p.ID] = leg
	d.mu.Unlock()
	return leg, nil
}

// Disconnect drops the connected leg of participantID, as if the
// participant left. It reports whether such a leg existed.
func (d *SimulatedDriver) Disconnect(participantID string) bool {
	d.mu.Lock()
	leg, ok := d.legs[participantID]
	d.mu.Unlock()
	if ok {
		leg.Close()
	}
	return ok
}

// Connected returns the number of live simulated legs.
func (d *SimulatedDriver) Connected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.legs)
}

func (d *SimulatedDriver) draw() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

type simLeg struct {
	driver *SimulatedDriver
	id     string
	done   chan struct{}
	once   sync.Once
}

func (l *simLeg) Done() <-chan struct{} { return l.done }

// AudioLevel squares a uniform draw so quiet moments dominate.
func (l *simLeg) AudioLevel() float64 {
	v := l.driver.draw()
	return v * v * 0.5
}

func (l *simLeg) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *simLeg) Send(peer.DataMessage) error {
	if l.closed() {
		return peer.ErrChannelNotOpen
	}
	return nil
}

func (l *simLeg) Stats(context.Context) (peer.Stats, error) {
	if l.closed() {
		return peer.Stats{State: webrtc.PeerConnectionStateClosed}, nil
	}
	return peer.Stats{
		LossRate: l.driver.draw() * 0.02,
		RTT:      20*time.Millisecond + time.Duration(l.driver.draw()*float64(80*time.Millisecond)),
		State:    webrtc.PeerConnectionStateConnected,
	}, nil
}

func (l *simLeg) ReplaceVideoTrack(context.Context, *media.Track) error {
	if l.closed() {
		return peer.ErrTransportClosed
	}
	return nil
}

func (l *simLeg) RemoteStream() *peer.RemoteStream { return nil }

func (l *simLeg) OnMessage(func(peer.DataMessage)) {}

func (l *simLeg) Close() error {
	l.once.Do(func() {
		l.driver.mu.Lock()
		if l.driver.legs[l.id] == l {
			delete(l.driver.legs, l.id)
		}
		l.driver.mu.Unlock()
		close(l.done)
	})
	return nil
}
