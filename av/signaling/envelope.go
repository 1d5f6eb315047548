package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/callsession/limits"
	"github.com/pion/webrtc/v4"
)

// Type is the envelope message type.
type Type string

// Envelope types
const (
	TypeInvite  Type = "invite"
	TypeRinging Type = "ringing"
	TypeAnswer  Type = "answer"
	TypeReject  Type = "reject"
	TypeBusy    Type = "busy"
	TypeHangup  Type = "hangup"
	// TypeOffer carries a renegotiation offer, used for ICE restarts.
	TypeOffer Type = "offer"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeInvite, TypeRinging, TypeAnswer, TypeReject, TypeBusy, TypeHangup, TypeOffer:
		return true
	}
	return false
}

// Envelope is one signaling message.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"sessionId"`
	From      string          `json:"from"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

// Peer describes a participant inside an invitation.
type Peer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Email     string `json:"email,omitempty"`
}

// InvitePayload starts a call. Offer is the caller's complete description.
type InvitePayload struct {
	Caller Peer                      `json:"caller"`
	Kind   string                    `json:"kind"`
	Group  bool                      `json:"group,omitempty"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

// DescriptionPayload carries an answer, or a renegotiation offer.
type DescriptionPayload struct {
	Description webrtc.SessionDescription `json:"description"`
}

// ReasonPayload carries an optional human readable reason.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope builds an envelope with payload encoded as JSON. A nil payload
// leaves Payload empty.
func NewEnvelope(t Type, sessionID, from string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		SessionID: sessionID,
		From:      from,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	}
	if !t.Valid() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if sessionID == "" {
		return env, ErrMissingSession
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("encode %s payload: %w", t, err)
		}
		if err := limits.ValidateSignalPayload(string(data)); err != nil {
			return env, err
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s", ErrMissingPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGarbledPayload, e.Type, err)
	}
	return nil
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.SessionID == "" {
		return ErrMissingSession
	}
	return nil
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes and validates an envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrGarbledPayload, err)
	}
	return env, env.Validate()
}

// Sequence hands out increasing sequence numbers starting at 1.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() uint64 {
	return s.n.Load()
}

type dedupKey struct {
	from string
	seq  uint64
}

// Deduper remembers (From, Seq) pairs already processed.
type Deduper struct {
	mu   sync.Mutex
	seen map[dedupKey]struct{}
}

// Seen records env and reports whether it had been recorded before.
func (d *Deduper) Seen(env Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[dedupKey]struct{})
	}
	key := dedupKey{from: env.From, seq: env.Seq}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Reset forgets everything.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = nil
}
