// Package audio measures how loud a participant is.
//
// LevelMeter decodes the Opus frames of a remote audio track with
// github.com/pion/opus, computes their RMS level, subtracts the background
// NoiseFloor and smooths the result with a fast attack and slow release.
// Group calls use the level to decide who is speaking.
//
//	meter := audio.NewLevelMeter()
//	frames, cancel := remoteTrack.Subscribe(64)
//	defer cancel()
//	go meter.Run(frames)
//	...
//	speaking := meter.Level() > threshold
package audio
