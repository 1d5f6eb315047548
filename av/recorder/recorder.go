package recorder

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSliceInterval is the capture slice length.
	DefaultSliceInterval = time.Second

	frameBuffer = 256

	// closeWait bounds the wait for a container to flush after Close.
	closeWait = time.Second
)

// TimeProvider supplies the clock for frame timestamps, durations and
// artifact names.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Options configure a Recorder.
type Options struct {
	Sink          Sink
	SliceInterval time.Duration
	// Formats overrides Preferences.
	Formats      []Format
	TimeProvider TimeProvider
}

// Artifact describes a finished recording.
type Artifact struct {
	Name     string
	MimeType string
	Size     int
	Slices   int
	Duration time.Duration
}

// Recorder records at most one session at a time.
type Recorder struct {
	opts Options

	mu     sync.Mutex
	active *session
}

type session struct {
	format  Format
	buffer  *sliceBuffer
	writer  containerWriter
	writeMu sync.Mutex
	clock   TimeProvider
	started time.Time

	unsubscribe []func()
	group       errgroup.Group
	stopSlicing chan struct{}
	slicingDone chan struct{}
}

// New creates a Recorder. A nil Sink discards artifacts.
func New(opts Options) *Recorder {
	if opts.SliceInterval <= 0 {
		opts.SliceInterval = DefaultSliceInterval
	}
	if len(opts.Formats) == 0 {
		opts.Formats = Preferences
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = realTime{}
	}
	return &Recorder{opts: opts}
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Slices returns the number of slices captured so far.
func (r *Recorder) Slices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0
	}
	return r.active.buffer.count()
}

// Start begins recording sources.
func (r *Recorder) Start(sources []media.FrameSource) (Format, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return Format{}, ErrAlreadyRecording
	}
	if len(sources) == 0 {
		return Format{}, ErrNoTracks
	}

	format, chosen, err := Negotiate(r.opts.Formats, sources)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.Start",
			"tracks":   len(sources),
			"error":    err.Error(),
		}).Warn("No recording format available")
		return Format{}, err
	}

	buffer := newSliceBuffer()
	writer, err := newContainerWriter(format, chosen, buffer)
	if err != nil {
		return Format{}, err
	}

	s := &session{
		format:      format,
		buffer:      buffer,
		writer:      writer,
		clock:       r.opts.TimeProvider,
		started:     r.opts.TimeProvider.Now(),
		stopSlicing: make(chan struct{}),
		slicingDone: make(chan struct{}),
	}

	for _, source := range chosen {
		frames, unsubscribe := source.Subscribe(frameBuffer)
		s.unsubscribe = append(s.unsubscribe, unsubscribe)
		s.group.Go(func() error {
			s.consume(frames)
			return nil
		})
	}
	go s.slice(r.opts.SliceInterval)

	r.active = s

	logrus.WithFields(logrus.Fields{
		"function":  "Recorder.Start",
		"mime_type": format.MimeType,
		"tracks":    len(chosen),
	}).Info("Recording started")

	return format, nil
}

func (s *session) consume(frames <-chan media.Frame) {
	for frame := range frames {
		at := s.clock.Now().Sub(s.started)
		s.writeMu.Lock()
		err := s.writer.WriteFrame(frame, at)
		s.writeMu.Unlock()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "session.consume",
				"track_id": frame.TrackID,
				"error":    err.Error(),
			}).Debug("Dropping frame")
		}
	}
}

func (s *session) slice(interval time.Duration) {
	defer close(s.slicingDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSlicing:
			return
		case <-ticker.C:
			s.buffer.cut()
		}
	}
}

// Stop finalizes the active recording into one artifact.
func (r *Recorder) Stop() (Artifact, error) {
	r.mu.Lock()
	s := r.active
	r.active = nil
	r.mu.Unlock()

	if s == nil {
		return Artifact{}, ErrNotRecording
	}

	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	_ = s.group.Wait()
	close(s.stopSlicing)
	<-s.slicingDone

	s.writeMu.Lock()
	if err := s.writer.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Recorder.Stop",
			"error":    err.Error(),
		}).Warn("Failed to close container")
	}
	s.writeMu.Unlock()
	select {
	case <-s.buffer.done:
	case <-time.After(closeWait):
	}
	s.buffer.cut()

	slices := s.buffer.all()
	data := bytes.Join(slices, nil)
	stoppedAt := s.clock.Now()
	artifact := Artifact{
		Name:     fmt.Sprintf("recording-%d.%s", stoppedAt.UnixMilli(), s.format.Extension),
		MimeType: s.format.MimeType,
		Size:     len(data),
		Slices:   len(slices),
		Duration: stoppedAt.Sub(s.started),
	}

	if r.opts.Sink != nil {
		if err := write(r.opts.Sink, artifact.Name, data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Recorder.Stop",
				"name":     artifact.Name,
				"error":    err.Error(),
			}).Error("Failed to store recording")
			return artifact, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Recorder.Stop",
		"name":     artifact.Name,
		"size":     artifact.Size,
		"slices":   artifact.Slices,
	}).Info("Recording saved")

	return artifact, nil
}

func write(sink Sink, name string, data []byte) error {
	w, err := sink.Create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	return w.Close()
}
