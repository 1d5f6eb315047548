package av

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

// QualityThresholds bound the quality tiers. Loss rates are fractions.
type QualityThresholds struct {
	ExcellentLoss float64
	ExcellentRTT  time.Duration
	PoorLoss      float64
	PoorRTT       time.Duration
}

// DefaultQualityThresholds returns thresholds tuned for interactive calls.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentLoss: 0.01,
		ExcellentRTT:  100 * time.Millisecond,
		PoorLoss:      0.05,
		PoorRTT:       300 * time.Millisecond,
	}
}

// Config holds the manager's timing and policy knobs.
type Config struct {
	// IterationInterval is the period of the manager's event loop.
	IterationInterval time.Duration
	// SignalTimeout bounds every wait on the remote side: ring
	// acknowledgement, answer and an unanswered incoming call.
	SignalTimeout time.Duration
	// DemoRingDelay moves an outgoing call to ringing without a remote
	// acknowledgement. Zero disables it.
	DemoRingDelay time.Duration
	// ErrorGracePeriod delays cleanup after an unrecoverable transport error.
	ErrorGracePeriod time.Duration
	// ICERestartTimeout bounds the single ICE restart attempt.
	ICERestartTimeout time.Duration

	QualityInterval time.Duration
	Quality         QualityThresholds

	RecordingSliceInterval time.Duration

	SpeakingInterval  time.Duration
	SpeakingThreshold float64
	MaxSpeakers       int
	// GroupDialConcurrency limits simultaneous group dials.
	GroupDialConcurrency int

	ChatRateLimit rate.Limit
	ChatBurst     int

	ICEServers []webrtc.ICEServer
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		IterationInterval:      20 * time.Millisecond,
		SignalTimeout:          30 * time.Second,
		ErrorGracePeriod:       2 * time.Second,
		ICERestartTimeout:      10 * time.Second,
		QualityInterval:        2 * time.Second,
		Quality:                DefaultQualityThresholds(),
		RecordingSliceInterval: time.Second,
		SpeakingInterval:       500 * time.Millisecond,
		SpeakingThreshold:      0.05,
		MaxSpeakers:            3,
		GroupDialConcurrency:   4,
		ChatRateLimit:          rate.Limit(5),
		ChatBurst:              10,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Validate checks that every duration and limit is usable.
func (c Config) Validate() error {
	positive := map[string]time.Duration{
		"iteration interval":       c.IterationInterval,
		"signal timeout":           c.SignalTimeout,
		"ICE restart timeout":      c.ICERestartTimeout,
		"quality interval":         c.QualityInterval,
		"recording slice interval": c.RecordingSliceInterval,
		"speaking interval":        c.SpeakingInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, d)
		}
	}
	if c.DemoRingDelay < 0 || c.ErrorGracePeriod < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	}
	if c.MaxSpeakers < 1 {
		return fmt.Errorf("%w: max speakers must be at least 1, got %d", ErrInvalidConfig, c.MaxSpeakers)
	}
	if c.GroupDialConcurrency < 1 {
		return fmt.Errorf("%w: group dial concurrency must be at least 1, got %d", ErrInvalidConfig, c.GroupDialConcurrency)
	}
	if c.SpeakingThreshold < 0 || c.SpeakingThreshold > 1 {
		return fmt.Errorf("%w: speaking threshold must be within [0, 1], got %v", ErrInvalidConfig, c.SpeakingThreshold)
	}
	if c.ChatRateLimit <= 0 || c.ChatBurst < 1 {
		return fmt.Errorf("%w: chat rate limit must allow at least one message", ErrInvalidConfig)
	}
	q := c.Quality
	if q.ExcellentLoss < 0 || q.ExcellentLoss > q.PoorLoss || q.ExcellentRTT > q.PoorRTT {
		return fmt.Errorf("%w: excellent quality band must lie within the poor thresholds", ErrInvalidConfig)
	}
	return nil
}
