package media

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNoDeviceLayer indicates an Acquirer was created without a device layer.
var ErrNoDeviceLayer = errors.New("no device layer")

// Acquirer obtains local capture tracks from a DeviceLayer and keeps count of
// the tracks that are still live.
type Acquirer struct {
	device      DeviceLayer
	constraints Constraints
	live        atomic.Int64
}

// NewAcquirer creates an Acquirer that requests constraints from device.
func NewAcquirer(device DeviceLayer, constraints Constraints) (*Acquirer, error) {
	if device == nil {
		return nil, ErrNoDeviceLayer
	}
	return &Acquirer{device: device, constraints: constraints}, nil
}

// Constraints returns the configured capture constraints.
func (a *Acquirer) Constraints() Constraints {
	return a.constraints
}

// LiveTracks returns the number of acquired tracks not yet stopped.
func (a *Acquirer) LiveTracks() int {
	return int(a.live.Load())
}

// Acquire captures the requested camera and microphone tracks. An
// over-constrained request is retried once with relaxed constraints. When ctx
// is cancelled while the device layer is working, everything obtained is
// released and ctx.Err() is returned.
func (a *Acquirer) Acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	if !video && !audio {
		return nil, ErrNothingRequested
	}

	req := Request{Video: video, Audio: audio, Constraints: a.constraints}
	sources, err := a.device.GetUserMedia(ctx, req)
	if err != nil && ctx.Err() == nil && errors.Is(Classify(err), ErrConstraintsUnsatisfiable) {
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"error":    err.Error(),
		}).Warn("Constraints unsatisfiable, retrying with relaxed constraints")

		req.Constraints = req.Constraints.Relaxed()
		sources, err = a.device.GetUserMedia(ctx, req)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		closeSources(sources)
		return nil, ctxErr
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"video":    video,
			"audio":    audio,
			"error":    err.Error(),
		}).Error("Media acquisition failed")
		return nil, wrapDeviceError("acquire media", err)
	}

	streamID := uuid.NewString()
	tracks, err := a.wrap(sources, streamID)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"stream_id": streamID,
		"tracks":    len(tracks),
	}).Info("Media acquired")

	return NewStream(streamID, tracks...), nil
}

// AcquireDisplay captures the screen as a single video track.
func (a *Acquirer) AcquireDisplay(ctx context.Context) (*Track, error) {
	source, err := a.device.GetDisplayMedia(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if source != nil {
			_ = source.Close()
		}
		return nil, ctxErr
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcquireDisplay",
			"error":    err.Error(),
		}).Error("Display acquisition failed")
		return nil, wrapDeviceError("acquire display", err)
	}

	tracks, err := a.wrap([]Source{source}, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return tracks[0], nil
}

func (a *Acquirer) wrap(sources []Source, streamID string) ([]*Track, error) {
	tracks := make([]*Track, 0, len(sources))
	for i, source := range sources {
		track, err := newTrack(source, streamID, func() { a.live.Add(-1) })
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			closeSources(sources[i:])
			return nil, fmt.Errorf("%w: %w", ErrDeviceFailure, err)
		}
		a.live.Add(1)
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func closeSources(sources []Source) {
	for _, s := range sources {
		if s != nil {
			_ = s.Close()
		}
	}
}
