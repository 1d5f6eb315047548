package av

import (
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/pion/webrtc/v4"
)

// Status is the lifecycle position of a call session.
type Status int

const (
	// StatusIdle means no session exists.
	StatusIdle Status = iota
	// StatusCalling means an outgoing call is being set up.
	StatusCalling
	// StatusRinging means the remote side is alerting, or an incoming call
	// waits for the local user.
	StatusRinging
	// StatusConnected means media is flowing.
	StatusConnected
	// StatusEnding means cleanup is in progress.
	StatusEnding
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Kind selects audio-only or audio+video calls.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known call kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Direction tells who placed the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// Mode distinguishes 1:1 calls from group calls.
type Mode int

const (
	ModeDirect Mode = iota
	ModeGroup
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeGroup {
		return "group"
	}
	return "direct"
}

// Participant identifies one party of a call. It is passed by value and
// never mutated by the manager.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
	Email     string
}

// CallSession describes the active call.
type CallSession struct {
	ID        string
	Caller    Participant
	Recipient Participant
	Kind      Kind
	StartedAt time.Time
	Status    Status
	Direction Direction
	Mode      Mode
	// ConnectedAt is zero until the session first connects.
	ConnectedAt time.Time
}

// Remote returns the participant on the other side of a direct call.
func (s CallSession) Remote() Participant {
	if s.Direction == DirectionIncoming {
		return s.Caller
	}
	return s.Recipient
}

// QualityTier is a coarse connection quality rating.
type QualityTier int

const (
	QualityDisconnected QualityTier = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

// String returns the tier name.
func (q QualityTier) String() string {
	switch q {
	case QualityDisconnected:
		return "disconnected"
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// QualitySample is one polled quality reading.
type QualitySample struct {
	LossRate float64
	RTT      time.Duration
	State    webrtc.PeerConnectionState
	Tier     QualityTier
	At       time.Time
}

// RosterState is the connection progress of one group participant.
type RosterState int

const (
	RosterInvited RosterState = iota
	RosterConnecting
	RosterConnected
	RosterDisconnected
)

// String returns the roster state name.
func (r RosterState) String() string {
	switch r {
	case RosterInvited:
		return "invited"
	case RosterConnecting:
		return "connecting"
	case RosterConnected:
		return "connected"
	case RosterDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RosterEntry is one participant of a group call.
type RosterEntry struct {
	Participant  Participant
	State        RosterState
	IsConnected  bool
	AudioEnabled bool
	VideoEnabled bool
	IsSpeaking   bool
	AudioLevel   float64
}

// ChatMessage is one message exchanged over the data channel.
type ChatMessage struct {
	From      Participant
	Content   string
	Timestamp time.Time
	Local     bool
}

// NotificationLevel grades a user-facing notification.
type NotificationLevel int

const (
	NotifyInfo NotificationLevel = iota
	NotifyWarning
	NotifyError
)

// Notification is a non-blocking user-facing message.
type Notification struct {
	Level   NotificationLevel
	Message string
	Err     error
}

// State is an immutable snapshot of everything a UI renders.
type State struct {
	// Session is nil while idle.
	Session *CallSession
	Status  Status

	AudioEnabled bool
	VideoEnabled bool

	RemoteAudioEnabled bool
	RemoteVideoEnabled bool

	ScreenSharing bool
	Recording     bool
	// LastRecording is the most recently finalized artifact.
	LastRecording *recorder.Artifact

	Quality  QualityTier
	Duration time.Duration
	Roster   []RosterEntry
	Messages []ChatMessage

	LocalStream  *media.Stream
	RemoteStream *peer.RemoteStream
}
