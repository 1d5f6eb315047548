package screenshare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	current  *media.Track
	replaced int
	failNext error
}

func (s *fakeSender) ReplaceVideoTrack(ctx context.Context, track *media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.current = track
	s.replaced++
	return nil
}

func (s *fakeSender) track() *media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fixture struct {
	device *media.SyntheticDevice
	acq    *media.Acquirer
	stream *media.Stream
	sender *fakeSender
	ctrl   *Controller
}

func newFixture(t *testing.T, video bool) *fixture {
	t.Helper()
	device := media.NewSyntheticDevice()
	device.VideoInterval = 5 * time.Millisecond
	device.AudioInterval = 5 * time.Millisecond
	acq, err := media.NewAcquirer(device, media.DefaultConstraints())
	require.NoError(t, err)
	stream, err := acq.Acquire(context.Background(), video, true)
	require.NoError(t, err)

	sender := &fakeSender{current: stream.VideoTrack()}
	ctrl := NewController(acq)
	ctrl.Attach(stream, sender)

	f := &fixture{device: device, acq: acq, stream: stream, sender: sender, ctrl: ctrl}
	t.Cleanup(func() {
		ctrl.Reset()
		stream.Stop()
	})
	return f
}

func TestStartStopRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	camera := f.stream.VideoTrack()

	var changes []bool
	f.ctrl.OnChange(func(sharing bool) { changes = append(changes, sharing) })

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.True(t, f.ctrl.Sharing())
	assert.NotEqual(t, camera, f.sender.track())
	assert.Equal(t, f.sender.track(), f.stream.VideoTrack())
	assert.True(t, camera.Live(), "camera stays live while sharing")

	// Starting again is a no-op.
	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, 1, f.sender.replaced)

	display := f.sender.track()
	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.False(t, f.ctrl.Sharing())
	assert.Equal(t, camera, f.sender.track())
	assert.Equal(t, camera, f.stream.VideoTrack())
	assert.True(t, display.Stopped())
	assert.Equal(t, []bool{true, false}, changes)
	assert.Equal(t, 2, f.acq.LiveTracks())
}

func TestStopReacquiresMissingCamera(t *testing.T) {
	f := newFixture(t, true)
	camera := f.stream.VideoTrack()

	require.NoError(t, f.ctrl.Start(context.Background()))
	camera.Stop()

	require.NoError(t, f.ctrl.Stop(context.Background()))
	fresh := f.sender.track()
	require.NotNil(t, fresh)
	assert.NotEqual(t, camera, fresh)
	assert.Equal(t, media.KindVideo, fresh.Kind())
	assert.True(t, fresh.Live())
	assert.Equal(t, fresh, f.stream.VideoTrack())
	assert.Len(t, f.device.Requests(), 2)
}

func TestDisplayEndedStopsSharing(t *testing.T) {
	f := newFixture(t, true)
	camera := f.stream.VideoTrack()

	require.NoError(t, f.ctrl.Start(context.Background()))
	f.device.EndDisplay()

	assert.Eventually(t, func() bool { return !f.ctrl.Sharing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, camera, f.sender.track())
}

func TestStartErrors(t *testing.T) {
	audioOnly := newFixture(t, false)
	assert.ErrorIs(t, audioOnly.ctrl.Start(context.Background()), ErrNoVideo)

	detached := NewController(audioOnly.acq)
	assert.ErrorIs(t, detached.Start(context.Background()), ErrNotAttached)

	f := newFixture(t, true)
	f.device.FailNextDisplay(&media.DeviceError{Name: "NotAllowedError"})
	err := f.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.False(t, f.ctrl.Sharing())

	f.sender.failNext = errors.New("replace failed")
	assert.Error(t, f.ctrl.Start(context.Background()))
	assert.False(t, f.ctrl.Sharing())
	assert.Equal(t, 2, f.acq.LiveTracks(), "display released after failed replace")
}

func TestStopFailureKeepsSharing(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.sender.failNext = errors.New("replace failed")
	assert.Error(t, f.ctrl.Stop(context.Background()))
	assert.True(t, f.ctrl.Sharing())

	require.NoError(t, f.ctrl.Toggle(context.Background()))
	assert.False(t, f.ctrl.Sharing())
}

func TestResetReleasesEverything(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, 3, f.acq.LiveTracks())

	f.ctrl.Reset()
	f.stream.Stop()
	assert.False(t, f.ctrl.Sharing())
	assert.Equal(t, 0, f.acq.LiveTracks())

	f.ctrl.Reset()
	assert.NoError(t, f.ctrl.Stop(context.Background()))
}
