// Package media implements local capture acquisition for call sessions.
//
// The Acquirer requests camera, microphone and display capture from an
// injected DeviceLayer, negotiates constraints, and wraps every captured
// Source into a Track backed by a pion sample track that a peer transport can
// send. Tracks fan out encoded frames to subscribers such as the recorder.
//
// # Error Taxonomy
//
// Device-layer failures are classified into four categories:
//
//   - ErrPermissionDenied: the user or platform refused access
//   - ErrDeviceNotFound: no matching device exists
//   - ErrDeviceBusy: another application holds the device
//   - ErrConstraintsUnsatisfiable: the device cannot meet the constraints
//
// Only the last category is retried, once, with Constraints.Relaxed().
// Remediation returns a user-facing message for each category.
//
// # Track Lifecycle
//
// A Track is live from acquisition until Stop. When the device ends a track
// on its own (permission revoked, device unplugged) the track is disabled and
// its OnEnded observers run; the session that owns it keeps running.
//
//	acq, _ := media.NewAcquirer(media.NewSyntheticDevice(), media.DefaultConstraints())
//	stream, err := acq.Acquire(ctx, true, true)
//	if err != nil {
//	    fmt.Println(media.Remediation(err))
//	}
//	defer stream.Stop()
package media
