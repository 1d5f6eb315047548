package peer

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/sirupsen/logrus"
)

// maxLate is the samplebuilder reorder window in packets.
const maxLate = 64

// RemoteTrack is one incoming track. Depacketized frames are published to
// subscribers; the enabled flag mirrors the remote side's media-control
// notifications.
type RemoteTrack struct {
	id    string
	kind  media.Kind
	codec webrtc.RTPCodecCapability
	ssrc  uint32

	enabled atomic.Bool
	frames  media.Fanout
}

func newRemoteTrack(id string, kind media.Kind, codec webrtc.RTPCodecCapability, ssrc uint32) *RemoteTrack {
	t := &RemoteTrack{id: id, kind: kind, codec: codec, ssrc: ssrc}
	t.enabled.Store(true)
	return t
}

// ID returns the track id announced by the remote side.
func (t *RemoteTrack) ID() string { return t.id }

// Kind returns the media kind.
func (t *RemoteTrack) Kind() media.Kind { return t.kind }

// Codec returns the negotiated codec.
func (t *RemoteTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

// SSRC returns the RTP synchronization source.
func (t *RemoteTrack) SSRC() uint32 { return t.ssrc }

// Enabled reports whether the remote side is sending this track.
func (t *RemoteTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled records a remote media-control change.
func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Subscribe registers a frame subscriber.
func (t *RemoteTrack) Subscribe(buffer int) (<-chan media.Frame, func()) {
	return t.frames.Subscribe(buffer)
}

// Publish delivers a frame to subscribers.
func (t *RemoteTrack) Publish(frame media.Frame) {
	t.frames.Publish(frame)
}

func (t *RemoteTrack) close() {
	t.frames.Close()
}

// readRTP depacketizes packets from track until it ends.
func (t *RemoteTrack) readRTP(track *webrtc.TrackRemote) {
	defer t.close()

	depacketizer := depacketizerFor(t.codec.MimeType)
	if depacketizer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "RemoteTrack.readRTP",
			"track_id": t.id,
			"codec":    t.codec.MimeType,
		}).Warn("No depacketizer for codec, frames will not be published")
	}

	var builder *samplebuilder.SampleBuilder
	if depacketizer != nil {
		builder = samplebuilder.New(maxLate, depacketizer, t.codec.ClockRate)
	}

	var elapsed time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "RemoteTrack.readRTP",
					"track_id": t.id,
					"error":    err.Error(),
				}).Debug("Remote track read ended")
			}
			return
		}
		if builder == nil {
			continue
		}

		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			t.frames.Publish(media.Frame{
				TrackID:   t.id,
				Kind:      t.kind,
				MimeType:  t.codec.MimeType,
				Data:      sample.Data,
				Duration:  sample.Duration,
				Timestamp: elapsed,
			})
			elapsed += sample.Duration
		}
	}
}

func depacketizerFor(mimeType string) rtp.Depacketizer {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return &codecs.OpusPacket{}
	default:
		return nil
	}
}

// RemoteStream groups the tracks received from one peer.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []*RemoteTrack
}

// NewRemoteStream creates an empty remote stream.
func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

// ID returns the remote stream id.
func (s *RemoteStream) ID() string { return s.id }

// AddTrack appends a track.
func (s *RemoteStream) AddTrack(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns a copy of the track list.
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

// Track returns the first track of kind, or nil.
func (s *RemoteStream) Track(kind media.Kind) *RemoteTrack {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// FrameSources returns the tracks as frame sources.
func (s *RemoteStream) FrameSources() []media.FrameSource {
	tracks := s.Tracks()
	out := make([]media.FrameSource, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}
