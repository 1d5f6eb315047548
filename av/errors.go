package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Call initiation errors.
var (
	// ErrCallAlreadyActive indicates a session is already in progress.
	ErrCallAlreadyActive = errors.New("call already active")

	// ErrInvalidParticipant indicates a participant without an ID.
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrSelfCall indicates an attempt to call the local participant.
	ErrSelfCall = errors.New("cannot call yourself")

	// ErrInvalidKind indicates a call kind other than audio or video.
	ErrInvalidKind = errors.New("invalid call kind")

	// ErrEmptyRoster indicates a group call without participants.
	ErrEmptyRoster = errors.New("group call needs at least one participant")
)

// Call control errors.
var (
	// ErrNoActiveCall indicates there is no session to act on.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidState indicates the action is not valid in the current status.
	ErrInvalidState = errors.New("invalid call state")

	// ErrNotConnected indicates the action needs a connected session.
	ErrNotConnected = errors.New("call not connected")

	// ErrCallCancelled indicates the session ended while setup was running.
	ErrCallCancelled = errors.New("call cancelled during setup")

	// ErrSignalTimeout indicates the remote side did not answer in time.
	ErrSignalTimeout = errors.New("signaling timed out")
)

// Media control errors.
var (
	// ErrNoVideoTrack indicates the session has no local video track.
	ErrNoVideoTrack = errors.New("no local video track")

	// ErrNoAudioTrack indicates the session has no local audio track.
	ErrNoAudioTrack = errors.New("no local audio track")

	// ErrRateLimited indicates chat messages are being sent too fast.
	ErrRateLimited = errors.New("chat rate limit exceeded")
)

// Group call errors.
var (
	// ErrNotGroupCall indicates a group action on a direct call.
	ErrNotGroupCall = errors.New("not a group call")

	// ErrAlreadyInRoster indicates the participant is already in the roster.
	ErrAlreadyInRoster = errors.New("participant already in roster")

	// ErrNoGroupDriver indicates no connection driver was configured.
	ErrNoGroupDriver = errors.New("no group connection driver")

	// ErrSimulatedDialFailure is returned by SimulatedDriver for failed draws.
	ErrSimulatedDialFailure = errors.New("simulated dial failed")
)

// Manager lifecycle errors.
var (
	// ErrManagerAlreadyRunning indicates Start was called twice.
	ErrManagerAlreadyRunning = errors.New("manager already running")

	// ErrManagerNotRunning indicates Stop was called before Start.
	ErrManagerNotRunning = errors.New("manager not running")

	// ErrInvalidConfig indicates a configuration value out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingDependency indicates a nil relay, acquirer or factory.
	ErrMissingDependency = errors.New("missing manager dependency")
)
