package peer

import (
	"context"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/pion/webrtc/v4"
)

// EventType identifies a transport event.
type EventType int

const (
	EventSignal EventType = iota
	EventStream
	EventConnect
	EventData
	EventError
	EventClose
)

// String returns the event name.
func (e EventType) String() string {
	switch e {
	case EventSignal:
		return "signal"
	case EventStream:
		return "stream"
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport. Only the field matching Type is set.
type Event struct {
	Type        EventType
	Description webrtc.SessionDescription
	Stream      *RemoteStream
	Message     DataMessage
	Err         error
}

// Options configure a new transport.
type Options struct {
	// Initiator creates the data channel and the first offer.
	Initiator bool
	// Local is the outgoing media. It may be nil.
	Local *media.Stream
	// Label names the transport in logs.
	Label string
}

// Stats is one connection quality sample.
type Stats struct {
	// LossRate is the inbound packet loss fraction since the last sample.
	LossRate float64
	RTT      time.Duration
	State    webrtc.PeerConnectionState
}

// Transport is one peer connection.
type Transport interface {
	// Events delivers transport events until Done is closed.
	Events() <-chan Event
	// Done is closed when the transport is closed locally.
	Done() <-chan struct{}
	// Signal applies a remote description. An offer produces an answer
	// through EventSignal.
	Signal(ctx context.Context, desc webrtc.SessionDescription) error
	// Send writes a message on the data channel.
	Send(msg DataMessage) error
	// ReplaceVideoTrack swaps the outgoing video track in place.
	ReplaceVideoTrack(ctx context.Context, track *media.Track) error
	// Restart performs an ICE restart. Only the initiator creates the new
	// offer; on the other side Restart is a no-op.
	Restart(ctx context.Context) error
	// Stats samples connection quality.
	Stats(ctx context.Context) (Stats, error)
	// RequestKeyframe asks the remote side for a video keyframe.
	RequestKeyframe() error
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Factory creates transports.
type Factory interface {
	Create(ctx context.Context, opts Options) (Transport, error)
}
