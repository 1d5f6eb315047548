package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/opd-ai/callsession/av/media"
	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// maxFrameBytes holds 40ms of 48kHz stereo S16LE audio.
const maxFrameBytes = 1920 * 2 * 2

// LevelMeter tracks the smoothed loudness of an Opus stream. Rising levels
// are followed quickly and falling levels slowly, so short pauses between
// words do not drop the level to zero.
type LevelMeter struct {
	mu      sync.Mutex
	decoder *opus.Decoder
	out     []byte
	floor   NoiseFloor
	level   float64
	attack  float64
	release float64
	errors  int
}

// NewLevelMeter creates a meter with a fast attack and slow release.
func NewLevelMeter() *LevelMeter {
	decoder := opus.NewDecoder()
	return &LevelMeter{
		decoder: &decoder,
		out:     make([]byte, maxFrameBytes),
		attack:  0.5,
		release: 0.05,
	}
}

// Write decodes one Opus frame and folds its RMS level, less the
// background noise floor, into the meter. It returns the updated level in
// [0, 1].
func (m *LevelMeter) Write(frame []byte) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(frame) == 0 {
		return m.level, fmt.Errorf("empty opus frame")
	}

	_, isStereo, err := m.decoder.Decode(frame, m.out)
	if err != nil {
		m.errors++
		m.update(0)
		return m.level, fmt.Errorf("opus decode failed: %w", err)
	}

	pcm := PCMFromBytes(m.out)
	if isStereo {
		pcm = Downmix(pcm)
	}
	return m.update(m.floor.Gate(RMS(pcm))), nil
}

// Observe folds an already computed level into the meter. The noise floor
// is not applied.
func (m *LevelMeter) Observe(level float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(level)
}

func (m *LevelMeter) update(sample float64) float64 {
	if sample > m.level {
		m.level += (sample - m.level) * m.attack
	} else {
		m.level += (sample - m.level) * m.release
	}
	return m.level
}

// Level returns the current smoothed level.
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// DecodeErrors returns the number of frames that failed to decode.
func (m *LevelMeter) DecodeErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors
}

// Run feeds Opus frames into the meter until frames is closed. Non-Opus
// frames are ignored.
func (m *LevelMeter) Run(frames <-chan media.Frame) {
	for frame := range frames {
		if frame.Kind != media.KindAudio {
			continue
		}
		if _, err := m.Write(frame.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LevelMeter.Run",
				"track_id": frame.TrackID,
				"error":    err.Error(),
			}).Trace("Skipping undecodable audio frame")
		}
	}
}

// PCMFromBytes converts little-endian S16 bytes to samples.
func PCMFromBytes(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Downmix averages interleaved stereo samples to mono.
func Downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2)
	}
	return mono
}

// RMS returns the root mean square of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
