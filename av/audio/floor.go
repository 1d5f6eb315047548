package audio

import "sync"

const (
	// floorLearnFrames is the number of frames used to seed the estimate.
	floorLearnFrames = 10
	// floorSmoothing weights the previous estimate while learning.
	floorSmoothing = 0.8
	// floorDrift lets the estimate creep up on a steadily louder room.
	floorDrift = 0.001
	// floorMargin is how far above the floor a frame must be to count.
	floorMargin = 1.5
)

// NoiseFloor estimates the steady background level of a stream so fans,
// hum and line noise do not register as speech. The estimate is seeded
// from the first frames and afterwards follows quieter frames at once and
// louder frames very slowly.
type NoiseFloor struct {
	mu     sync.Mutex
	floor  float64
	frames int
}

// Gate folds rms into the estimate and returns the part of rms above the
// floor, or 0 while still learning or when rms is within the margin.
func (f *NoiseFloor) Gate(rms float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.frames < floorLearnFrames {
		if f.frames == 0 {
			f.floor = rms
		} else {
			f.floor = floorSmoothing*f.floor + (1-floorSmoothing)*rms
		}
		f.frames++
		return 0
	}

	switch {
	case rms < f.floor:
		f.floor = rms
	default:
		f.floor += (rms - f.floor) * floorDrift
	}

	if rms <= f.floor*floorMargin {
		return 0
	}
	return rms - f.floor
}

// Level returns the current estimate.
func (f *NoiseFloor) Level() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.floor
}

// Learned reports whether the seeding frames have been seen.
func (f *NoiseFloor) Learned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames >= floorLearnFrames
}
