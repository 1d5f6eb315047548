package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// Source is one capture source handed out by a DeviceLayer.
type Source interface {
	Kind() Kind
	Label() string
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks until the next encoded sample is available. It
	// returns ErrSourceEnded when the device ends the capture.
	ReadSample(ctx context.Context) (pionmedia.Sample, error)
	Close() error
}

// DeviceLayer is the hardware capture backend.
type DeviceLayer interface {
	GetUserMedia(ctx context.Context, req Request) ([]Source, error)
	GetDisplayMedia(ctx context.Context) (Source, error)
}

// Track is a live local capture track. Samples read from its Source are
// written to a pion sample track while the track is enabled and are always
// published to frame subscribers.
type Track struct {
	id     string
	kind   Kind
	label  string
	codec  webrtc.RTPCodecCapability
	source Source
	local  *webrtc.TrackLocalStaticSample
	frames Fanout

	mu      sync.RWMutex
	enabled bool
	ended   bool
	onEnded []func(*Track)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	onStop   func()
}

func newTrack(source Source, streamID string, onStop func()) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(source.Codec(), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", source.Kind(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Track{
		id:      id,
		kind:    source.Kind(),
		label:   source.Label(),
		codec:   source.Codec(),
		source:  source,
		local:   local,
		enabled: true,
		cancel:  cancel,
		done:    make(chan struct{}),
		onStop:  onStop,
	}
	go t.run(ctx)
	return t, nil
}

// ID returns the track identifier.
func (t *Track) ID() string { return t.id }

// Kind returns the track kind.
func (t *Track) Kind() Kind { return t.kind }

// Label returns the device label.
func (t *Track) Label() string { return t.label }

// Codec returns the codec of the encoded samples.
func (t *Track) Codec() webrtc.RTPCodecCapability { return t.codec }

// Local returns the pion track to attach to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Subscribe registers a frame subscriber.
func (t *Track) Subscribe(buffer int) (<-chan Frame, func()) {
	return t.frames.Subscribe(buffer)
}

// Enabled reports whether samples are being sent.
func (t *Track) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled toggles sending. Ended and stopped tracks stay disabled.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enabled && (t.ended || t.stopped.Load()) {
		return
	}
	t.enabled = enabled
}

// Ended reports whether the device ended the capture.
func (t *Track) Ended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ended
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// Live reports whether the track still holds its capture source.
func (t *Track) Live() bool {
	return !t.stopped.Load()
}

// OnEnded registers an observer invoked once when the device ends the
// capture. Observers registered after the end run immediately.
func (t *Track) OnEnded(fn func(*Track)) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the capture source. It is safe to call more than once.
// Stop does not invoke OnEnded observers.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.mu.Lock()
		t.enabled = false
		t.mu.Unlock()

		t.cancel()
		if err := t.source.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Track.Stop",
				"track_id": t.id,
				"kind":     t.kind,
				"error":    err.Error(),
			}).Warn("Failed to close capture source")
		}
		<-t.done
		t.frames.Close()

		if t.onStop != nil {
			t.onStop()
		}

		logrus.WithFields(logrus.Fields{
			"function": "Track.Stop",
			"track_id": t.id,
			"kind":     t.kind,
		}).Debug("Track stopped")
	})
}

func (t *Track) run(ctx context.Context) {
	ended := t.pump(ctx)
	close(t.done)
	if ended {
		t.markEnded()
	}
}

// pump copies samples until the source fails. It reports whether the device
// ended the capture, as opposed to Stop.
func (t *Track) pump(ctx context.Context) bool {
	var elapsed time.Duration
	for {
		sample, err := t.source.ReadSample(ctx)
		if err != nil {
			if ctx.Err() != nil || t.stopped.Load() {
				return false
			}
			logrus.WithFields(logrus.Fields{
				"function": "Track.pump",
				"track_id": t.id,
				"kind":     t.kind,
				"error":    err.Error(),
			}).Info("Capture source ended")
			return true
		}

		if t.Enabled() {
			if err := t.local.WriteSample(sample); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Track.pump",
					"track_id": t.id,
					"error":    err.Error(),
				}).Trace("Failed to write sample")
			}
		}

		t.frames.Publish(Frame{
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

func (t *Track) markEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.enabled = false
	observers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range observers {
		fn(t)
	}
}
