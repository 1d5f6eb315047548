// Package screenshare swaps the outgoing camera track of a call for a
// display capture and back, in place, without renegotiation.
package screenshare

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoVideo indicates the call has no outgoing video track, as in an
	// audio-only call.
	ErrNoVideo = errors.New("call has no video track to replace")

	// ErrNotAttached indicates the controller has no stream or sender yet.
	ErrNotAttached = errors.New("screen share not attached to a call")
)

// autoStopTimeout bounds the Stop triggered by the display track ending.
const autoStopTimeout = 10 * time.Second

// Acquirer provides display and camera capture.
type Acquirer interface {
	AcquireDisplay(ctx context.Context) (*media.Track, error)
	Acquire(ctx context.Context, video, audio bool) (*media.Stream, error)
}

// Replacer swaps the outgoing video track of a transport.
type Replacer interface {
	ReplaceVideoTrack(ctx context.Context, track *media.Track) error
}

// Controller owns the screen-share state of one call. Start and Stop are
// serialized; the sharing flag flips only after the transport has accepted
// the replacement track.
type Controller struct {
	acq Acquirer

	op sync.Mutex

	mu       sync.Mutex
	stream   *media.Stream
	sender   Replacer
	camera   *media.Track
	display  *media.Track
	sharing  bool
	onChange func(sharing bool)
	onError  func(err error)
}

// NewController creates a controller using acq for capture.
func NewController(acq Acquirer) *Controller {
	return &Controller{acq: acq}
}

// Attach binds the controller to the local stream and the transport.
func (c *Controller) Attach(stream *media.Stream, sender Replacer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	c.sender = sender
}

// OnChange registers a callback invoked after every flag change.
func (c *Controller) OnChange(fn func(sharing bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// OnError registers a callback for failures of the automatic stop.
func (c *Controller) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Sharing reports whether the display is the outgoing video track.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// Toggle starts or stops sharing.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.Sharing() {
		return c.Stop(ctx)
	}
	return c.Start(ctx)
}

// Start captures the display and makes it the outgoing video track. The
// camera track is kept live so Stop can restore it.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	stream, sender, sharing := c.stream, c.sender, c.sharing
	c.mu.Unlock()

	if sharing {
		return nil
	}
	if stream == nil || sender == nil {
		return ErrNotAttached
	}
	camera := stream.VideoTrack()
	if camera == nil {
		return ErrNoVideo
	}

	display, err := c.acq.AcquireDisplay(ctx)
	if err != nil {
		return fmt.Errorf("start screen share: %w", err)
	}
	if err := sender.ReplaceVideoTrack(ctx, display); err != nil {
		display.Stop()
		return fmt.Errorf("start screen share: %w", err)
	}
	stream.ReplaceVideoTrack(display)

	c.mu.Lock()
	c.camera = camera
	c.display = display
	c.sharing = true
	onChange := c.onChange
	c.mu.Unlock()

	display.OnEnded(c.displayEnded)

	logrus.WithFields(logrus.Fields{
		"function":   "Controller.Start",
		"display_id": display.ID(),
		"camera_id":  camera.ID(),
	}).Info("Screen share started")

	if onChange != nil {
		onChange(true)
	}
	return nil
}

func (c *Controller) displayEnded(display *media.Track) {
	go func() {
		c.mu.Lock()
		current := c.display
		onError := c.onError
		c.mu.Unlock()
		if current != display {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), autoStopTimeout)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.displayEnded",
				"error":    err.Error(),
			}).Warn("Automatic screen share stop failed")
			if onError != nil {
				onError(err)
			}
		}
	}()
}

// Stop restores the camera track. When the remembered camera track has
// been stopped or ended, a new camera track is acquired. On failure sharing
// continues and the error is returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	stream, sender, sharing := c.stream, c.sender, c.sharing
	camera, display := c.camera, c.display
	c.mu.Unlock()

	if !sharing {
		return nil
	}

	var reacquired *media.Track
	if camera == nil || !camera.Live() || camera.Ended() {
		fresh, err := c.acq.Acquire(ctx, true, false)
		if err != nil {
			return fmt.Errorf("stop screen share: reacquire camera: %w", err)
		}
		reacquired = fresh.VideoTrack()
		camera = reacquired

		logrus.WithFields(logrus.Fields{
			"function":  "Controller.Stop",
			"camera_id": camera.ID(),
		}).Info("Camera reacquired")
	}

	if err := sender.ReplaceVideoTrack(ctx, camera); err != nil {
		if reacquired != nil {
			reacquired.Stop()
		}
		return fmt.Errorf("stop screen share: %w", err)
	}
	stream.ReplaceVideoTrack(camera)
	display.Stop()

	c.mu.Lock()
	c.camera = nil
	c.display = nil
	c.sharing = false
	onChange := c.onChange
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Controller.Stop",
		"camera_id": camera.ID(),
	}).Info("Screen share stopped")

	if onChange != nil {
		onChange(false)
	}
	return nil
}

// Reset releases the display track and the remembered camera track and
// forgets all state. It waits for an in-flight Start or Stop, so callers
// cancel that operation's context first.
func (c *Controller) Reset() {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	display, camera := c.display, c.camera
	c.stream = nil
	c.sender = nil
	c.camera = nil
	c.display = nil
	c.sharing = false
	c.mu.Unlock()

	if display != nil {
		display.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
}
