package av

import (
	"sync"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/signaling"
)

// trigger is an input to the session state machine.
type trigger int

const (
	trigInitiate trigger = iota
	trigIncoming
	trigRingingAck
	trigAccept
	trigRemoteStream
	trigConnect
	trigRemoteEnd
	trigLocalEnd
	trigTransportClosed
	trigTransportFailed
	trigSetupFailed
	trigTimeout
	trigCleanupDone
)

func (t trigger) String() string {
	names := [...]string{
		"initiate", "incoming", "ringing-ack", "accept", "remote-stream", "connect",
		"remote-end", "local-end", "transport-closed", "transport-failed",
		"setup-failed", "timeout", "cleanup-done",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// terminal reports whether t ends the session.
func (t trigger) terminal() bool {
	switch t {
	case trigRemoteEnd, trigLocalEnd, trigTransportClosed, trigTransportFailed, trigSetupFailed, trigTimeout:
		return true
	}
	return false
}

// transition returns the status that follows s on t, and whether t applies
// to s at all. It has no side effects.
func transition(s Status, t trigger) (Status, bool) {
	switch s {
	case StatusIdle:
		switch t {
		case trigInitiate:
			return StatusCalling, true
		case trigIncoming:
			return StatusRinging, true
		}
	case StatusCalling:
		switch t {
		case trigRingingAck:
			return StatusRinging, true
		case trigRemoteStream, trigConnect:
			return StatusConnected, true
		}
	case StatusRinging:
		switch t {
		case trigAccept, trigRemoteStream, trigConnect:
			return StatusConnected, true
		}
	case StatusEnding:
		if t == trigCleanupDone {
			return StatusIdle, true
		}
		return s, false
	}
	if s != StatusIdle && t.terminal() {
		return StatusEnding, true
	}
	return s, false
}

// inputKind identifies what was posted to the event queue.
type inputKind int

const (
	inputInvite inputKind = iota
	inputEnvelope
	inputTransport
	inputSignalTimeout
	inputDemoRing
	inputGraceExpired
	inputRestartExpired
	inputTrackEnded
	inputRoster
	inputScreenShare
	inputQuality
	inputSetupError
	inputGroupData
)

// input is one queued asynchronous occurrence. sessionID scopes it; inputs
// for a session that is no longer current are discarded.
type input struct {
	kind      inputKind
	sessionID string
	envelope  signaling.Envelope
	event     peer.Event
	transport peer.Transport
	track     *media.Track
	sharing   bool
	sample    QualitySample
	from      Participant
	message   peer.DataMessage
	err       error
}

// eventQueue is an unbounded FIFO. Producers never block, so transport and
// relay goroutines cannot stall on a slow consumer.
type eventQueue struct {
	mu    sync.Mutex
	items []input
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(in input) {
	q.mu.Lock()
	q.items = append(q.items, in)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []input {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
