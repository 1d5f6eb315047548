package media

// Kind identifies the media type of a track.
type Kind string

const (
	// KindAudio is a microphone or other audio track
	KindAudio Kind = "audio"
	// KindVideo is a camera or display track
	KindVideo Kind = "video"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Range is an integer constraint. Zero fields are unset.
type Range struct {
	Min   int
	Ideal int
	Max   int
}

// Satisfies reports whether v lies within the Min/Max bounds.
func (r Range) Satisfies(v int) bool {
	if r.Min > 0 && v < r.Min {
		return false
	}
	if r.Max > 0 && v > r.Max {
		return false
	}
	return true
}

// FloatRange is a floating point constraint. Zero fields are unset.
type FloatRange struct {
	Min   float64
	Ideal float64
	Max   float64
}

// Satisfies reports whether v lies within the Min/Max bounds.
func (r FloatRange) Satisfies(v float64) bool {
	if r.Min > 0 && v < r.Min {
		return false
	}
	if r.Max > 0 && v > r.Max {
		return false
	}
	return true
}

// VideoConstraints describes the requested camera format.
type VideoConstraints struct {
	Width     Range
	Height    Range
	FrameRate FloatRange
}

// AudioConstraints describes the requested microphone processing.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints is the full capture request passed to the device layer.
type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// DefaultConstraints returns the constraints used for camera calls:
// 720p ideal, bounded between 360p and 1080p, 30fps ideal, all audio
// processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: VideoConstraints{
			Width:     Range{Min: 640, Ideal: 1280, Max: 1920},
			Height:    Range{Min: 360, Ideal: 720, Max: 1080},
			FrameRate: FloatRange{Min: 15, Ideal: 30, Max: 60},
		},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

// Relaxed returns a copy with every lower and upper bound removed and the
// ideal values lowered to VGA at 15fps. Audio processing is kept.
func (c Constraints) Relaxed() Constraints {
	relaxed := c
	relaxed.Video = VideoConstraints{
		Width:     Range{Ideal: 640},
		Height:    Range{Ideal: 480},
		FrameRate: FloatRange{Ideal: 15},
	}
	return relaxed
}

// Request is one capture request.
type Request struct {
	Video       bool
	Audio       bool
	Constraints Constraints
}
