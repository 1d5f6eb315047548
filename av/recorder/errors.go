package recorder

import "errors"

var (
	// ErrNoSupportedFormat indicates no container in the preference list can
	// hold the available tracks.
	ErrNoSupportedFormat = errors.New("no supported recording format")

	// ErrAlreadyRecording indicates Start was called during a recording.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNotRecording indicates Stop was called with no recording active.
	ErrNotRecording = errors.New("not recording")

	// ErrNoTracks indicates Start was called without any track.
	ErrNoTracks = errors.New("no tracks to record")
)
