package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Codecs produced by SyntheticDevice.
var (
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// SyntheticDevice is a DeviceLayer that produces generated VP8 and Opus
// samples. It is used by the demo binaries and by tests, which can queue
// device failures and end live sources.
type SyntheticDevice struct {
	VideoInterval time.Duration
	AudioInterval time.Duration
	// MaxWidth, when set, rejects requests whose minimum width exceeds it.
	MaxWidth int
	// Delay is applied before each request completes.
	Delay time.Duration

	mu              sync.Mutex
	failures        []error
	displayFailures []error
	requests        []Request
	sources         []*syntheticSource
}

// NewSyntheticDevice creates a device producing 30fps video and 20ms audio.
func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{
		VideoInterval: 33 * time.Millisecond,
		AudioInterval: 20 * time.Millisecond,
	}
}

// FailNext queues errors returned by the next GetUserMedia calls.
func (d *SyntheticDevice) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// FailNextDisplay queues errors returned by the next GetDisplayMedia calls.
func (d *SyntheticDevice) FailNextDisplay(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayFailures = append(d.displayFailures, errs...)
}

// Requests returns every GetUserMedia request received.
func (d *SyntheticDevice) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// OpenSources returns the number of sources not yet closed.
func (d *SyntheticDevice) OpenSources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sources {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// EndDisplay ends every open display source, as when the user presses the
// platform's "stop sharing" control.
func (d *SyntheticDevice) EndDisplay() {
	d.endWhere(func(s *syntheticSource) bool { return s.display })
}

// EndKind ends every open camera or microphone source of kind.
func (d *SyntheticDevice) EndKind(kind Kind) {
	d.endWhere(func(s *syntheticSource) bool { return !s.display && s.kind == kind })
}

func (d *SyntheticDevice) endWhere(match func(*syntheticSource) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sources {
		if match(s) {
			s.end()
		}
	}
}

func (d *SyntheticDevice) wait(ctx context.Context) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetUserMedia implements DeviceLayer.
func (d *SyntheticDevice) GetUserMedia(ctx context.Context, req Request) ([]Source, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	var failure error
	if len(d.failures) > 0 {
		failure = d.failures[0]
		d.failures = d.failures[1:]
	}
	d.mu.Unlock()

	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if req.Video && d.MaxWidth > 0 && req.Constraints.Video.Width.Min > d.MaxWidth {
		return nil, &DeviceError{
			Name:       "OverconstrainedError",
			Constraint: "width",
			Message:    "minimum width exceeds device capability",
		}
	}

	var sources []Source
	if req.Audio {
		sources = append(sources, d.open(KindAudio, "Synthetic Microphone", OpusCodec, d.AudioInterval, false))
	}
	if req.Video {
		sources = append(sources, d.open(KindVideo, "Synthetic Camera", VP8Codec, d.VideoInterval, false))
	}
	return sources, nil
}

// GetDisplayMedia implements DeviceLayer.
func (d *SyntheticDevice) GetDisplayMedia(ctx context.Context) (Source, error) {
	d.mu.Lock()
	var failure error
	if len(d.displayFailures) > 0 {
		failure = d.displayFailures[0]
		d.displayFailures = d.displayFailures[1:]
	}
	d.mu.Unlock()

	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	return d.open(KindVideo, "Synthetic Screen", VP8Codec, d.VideoInterval, true), nil
}

func (d *SyntheticDevice) open(kind Kind, label string, codec webrtc.RTPCodecCapability, interval time.Duration, display bool) *syntheticSource {
	s := &syntheticSource{
		kind:     kind,
		label:    label,
		codec:    codec,
		interval: interval,
		display:  display,
		ended:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	d.mu.Lock()
	d.sources = append(d.sources, s)
	d.mu.Unlock()
	return s
}

type syntheticSource struct {
	kind     Kind
	label    string
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	display  bool

	seq       int
	endOnce   sync.Once
	ended     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *syntheticSource) Kind() Kind                        { return s.kind }
func (s *syntheticSource) Label() string                     { return s.label }
func (s *syntheticSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *syntheticSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	case <-s.ended:
		return pionmedia.Sample{}, ErrSourceEnded
	case <-timer.C:
	}

	s.seq++
	if s.kind == KindVideo {
		return pionmedia.Sample{Data: vp8Frame(s.seq), Duration: s.interval}, nil
	}
	return pionmedia.Sample{Data: opusSilence(), Duration: s.interval}, nil
}

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *syntheticSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *syntheticSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// vp8Frame returns a minimal VP8 frame. Every 30th frame is a 320x240
// keyframe; the rest are interframes.
func vp8Frame(seq int) []byte {
	if seq%30 == 1 {
		return []byte{
			0x10, 0x02, 0x00, // frame tag, key frame
			0x9d, 0x01, 0x2a, // start code
			0x40, 0x01, // width 320
			0xf0, 0x00, // height 240
			0x00, 0x00, 0x00, 0x00,
		}
	}
	return []byte{0x11, 0x02, 0x00, 0x00, 0x00, 0x00}
}

// opusSilence is a 20ms fullband CELT silence frame.
func opusSilence() []byte {
	return []byte{0xf8, 0xff, 0xfe}
}
