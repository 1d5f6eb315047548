package av

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/av/screenshare"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// bestEffortTimeout bounds envelopes whose delivery does not matter for the
// local outcome, such as reject and hangup.
const bestEffortTimeout = 2 * time.Second

// MediaAcquirer captures local media. *media.Acquirer implements it.
type MediaAcquirer interface {
	Acquire(ctx context.Context, video, audio bool) (*media.Stream, error)
	AcquireDisplay(ctx context.Context) (*media.Track, error)
}

// Manager runs at most one call session and owns every resource it uses.
//
// All asynchronous inputs are queued and applied by Iterate, so status
// changes happen in one place. Call actions validate against the current
// status under the lock and run their slow setup steps outside it.
type Manager struct {
	self     Participant
	relay    signaling.Relay
	acquirer MediaAcquirer
	factory  peer.Factory
	config   Config

	queue *eventQueue
	seq   signaling.Sequence

	mu       sync.RWMutex
	running  bool
	stopLoop chan struct{}
	loopDone chan struct{}

	session       *CallSession
	call          *callResources
	quality       QualityTier
	messages      []ChatMessage
	lastRecording *recorder.Artifact
	seenInvites   map[string]struct{}
	limiter       *rate.Limiter

	inboxCancel func()

	timeProvider  TimeProvider
	groupDriver   ConnectionDriver
	recordingSink recorder.Sink

	stateCallback        func(State)
	chatCallback         func(ChatMessage)
	incomingCallCallback func(CallSession)
	notificationCallback func(Notification)
}

// NewManager creates a manager for self. It subscribes to self.ID on relay
// to receive invitations; queued invitations are handled once Start runs or
// Iterate is called.
func NewManager(self Participant, relay signaling.Relay, acquirer MediaAcquirer, factory peer.Factory, config Config) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"self":     self.ID,
	}).Info("Creating call manager")

	if self.ID == "" {
		return nil, fmt.Errorf("%w: self must have an ID", ErrInvalidParticipant)
	}
	if relay == nil || acquirer == nil || factory == nil {
		return nil, ErrMissingDependency
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		self:         self,
		relay:        relay,
		acquirer:     acquirer,
		factory:      factory,
		config:       config,
		queue:        newEventQueue(),
		seenInvites:  make(map[string]struct{}),
		limiter:      rate.NewLimiter(config.ChatRateLimit, config.ChatBurst),
		timeProvider: DefaultTimeProvider{},
	}

	cancel, err := relay.Subscribe(self.ID, func(env signaling.Envelope) {
		m.queue.push(input{kind: inputInvite, envelope: env})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to inbox: %w", err)
	}
	m.inboxCancel = cancel

	logrus.WithFields(logrus.Fields{
		"function":           "NewManager",
		"self":               self.ID,
		"iteration_interval": config.IterationInterval,
		"signal_timeout":     config.SignalTimeout,
	}).Info("Call manager created")

	return m, nil
}

// Self returns the local participant.
func (m *Manager) Self() Participant { return m.self }

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.config }

// SetTimeProvider replaces the clock used for timestamps and durations.
// Passing nil restores the system clock.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	m.timeProvider = tp
}

// SetGroupDriver sets the driver used by InitiateGroupCall.
func (m *Manager) SetGroupDriver(driver ConnectionDriver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupDriver = driver
}

// SetRecordingSink sets where finished recordings are written. A nil sink
// discards them.
func (m *Manager) SetRecordingSink(sink recorder.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordingSink = sink
}

// SetStateCallback registers a callback invoked with a fresh snapshot after
// every observable change.
func (m *Manager) SetStateCallback(callback func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = callback
}

// SetChatCallback registers a callback for chat messages from the remote side.
func (m *Manager) SetChatCallback(callback func(ChatMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCallback = callback
}

// SetIncomingCallCallback registers a callback for incoming invitations.
func (m *Manager) SetIncomingCallCallback(callback func(CallSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomingCallCallback = callback
}

// SetNotificationCallback registers a callback for user-facing notices.
// It is invoked on its own goroutine.
func (m *Manager) SetNotificationCallback(callback func(Notification)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notificationCallback = callback
}

// Start launches the event loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrManagerAlreadyRunning
	}
	m.running = true
	m.stopLoop = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.loop(m.stopLoop, m.loopDone)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self":     m.self.ID,
	}).Info("Call manager started")
	return nil
}

// Stop ends any active call, stops the event loop and leaves the inbox.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	stop, done := m.stopLoop, m.loopDone
	m.mu.Unlock()

	close(stop)
	<-done

	m.cleanup("", trigLocalEnd, nil)
	if m.inboxCancel != nil {
		m.inboxCancel()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self":     m.self.ID,
	}).Info("Call manager stopped")
	return nil
}

// IsRunning reports whether the event loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// IterationInterval returns the event loop period.
func (m *Manager) IterationInterval() time.Duration {
	return m.config.IterationInterval
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.IterationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Iterate()
		case <-m.queue.wake:
			m.Iterate()
		}
	}
}

// Iterate applies every queued input. It is called by the manager's own loop
// after Start and may be called directly when the loop is not running.
func (m *Manager) Iterate() {
	for _, in := range m.queue.drain() {
		m.handle(in)
	}
}

// Pending returns the number of queued inputs.
func (m *Manager) Pending() int {
	return m.queue.len()
}

func (m *Manager) handle(in input) {
	switch in.kind {
	case inputInvite:
		m.handleInvite(in.envelope)
	case inputEnvelope:
		m.handleEnvelope(in.sessionID, in.envelope)
	case inputTransport:
		m.handleTransportEvent(in.sessionID, in.transport, in.event)
	case inputSignalTimeout:
		m.handleSignalTimeout(in.sessionID)
	case inputDemoRing:
		m.apply(in.sessionID, trigRingingAck)
	case inputGraceExpired:
		m.cleanup(in.sessionID, trigTransportFailed, in.err)
	case inputRestartExpired:
		m.handleRestartExpired(in.sessionID)
	case inputTrackEnded:
		m.handleTrackEnded(in.sessionID, in.track)
	case inputRoster:
		m.handleRoster(in.sessionID)
	case inputScreenShare:
		m.handleScreenShare(in.sessionID, in.sharing, in.err)
	case inputQuality:
		m.handleQuality(in.sessionID, in.sample)
	case inputSetupError:
		m.failSetup(in.sessionID, in.err)
	case inputGroupData:
		m.handleData(in.sessionID, in.from, in.message)
	}
}

// current returns the session and resources when sessionID is still the
// active session. Callers hold mu.
func (m *Manager) current(sessionID string) (*CallSession, *callResources, bool) {
	if m.session == nil || m.call == nil || m.session.ID != sessionID || m.call.released {
		return nil, nil, false
	}
	return m.session, m.call, true
}

// apply feeds t to the state machine for sessionID and publishes the result.
func (m *Manager) apply(sessionID string, t trigger) bool {
	m.mu.Lock()
	session, res, ok := m.current(sessionID)
	if !ok {
		m.mu.Unlock()
		return false
	}
	changed := m.updateStatusLocked(session, t)
	connected := changed && session.Status == StatusConnected
	if connected {
		// Attach before anyone can observe the connected status.
		m.onConnectedLocked(session, res)
	}
	mode := session.Mode
	m.mu.Unlock()

	if !changed {
		return false
	}
	if connected {
		logrus.WithFields(logrus.Fields{
			"function":   "apply",
			"session_id": sessionID,
			"mode":       mode.String(),
		}).Info("Call connected")
	}
	m.publishState()
	return true
}

// updateStatusLocked applies t to session. Must be called with m.mu held.
func (m *Manager) updateStatusLocked(session *CallSession, t trigger) bool {
	next, ok := transition(session.Status, t)
	if !ok || next == session.Status {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":   "updateStatus",
		"session_id": session.ID,
		"from":       session.Status.String(),
		"to":         next.String(),
		"trigger":    t.String(),
	}).Info("Call status changed")

	session.Status = next
	if next == StatusConnected && session.ConnectedAt.IsZero() {
		session.ConnectedAt = m.timeProvider.Now()
	}
	return true
}

// State returns a snapshot of the observable call state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return StatusIdle
	}
	return m.session.Status
}

func (m *Manager) snapshotLocked() State {
	st := State{
		Status:        StatusIdle,
		Quality:       m.quality,
		LastRecording: m.lastRecording,
	}
	if m.session == nil {
		return st
	}

	session := *m.session
	st.Session = &session
	st.Status = session.Status
	if !session.ConnectedAt.IsZero() {
		st.Duration = m.timeProvider.Since(session.ConnectedAt)
	}
	st.Messages = append([]ChatMessage(nil), m.messages...)

	res := m.call
	if res == nil {
		return st
	}
	if res.local != nil {
		st.LocalStream = res.local
		if a := res.local.AudioTrack(); a != nil {
			st.AudioEnabled = a.Enabled()
		}
		if v := res.local.VideoTrack(); v != nil {
			st.VideoEnabled = v.Enabled()
		}
	}
	if res.remote != nil && session.Status == StatusConnected {
		st.RemoteStream = res.remote
		if a := res.remote.Track(media.KindAudio); a != nil {
			st.RemoteAudioEnabled = a.Enabled()
		}
		if v := res.remote.Track(media.KindVideo); v != nil {
			st.RemoteVideoEnabled = v.Enabled()
		}
	}
	if res.screen != nil {
		st.ScreenSharing = res.screen.Sharing()
	}
	if res.recorder != nil {
		st.Recording = res.recorder.Recording()
	}
	if res.group != nil {
		st.Roster = res.group.Roster()
	}
	return st
}

func (m *Manager) publishState() {
	m.mu.RLock()
	callback := m.stateCallback
	st := m.snapshotLocked()
	m.mu.RUnlock()

	if callback != nil {
		callback(st)
	}
}

func (m *Manager) notify(level NotificationLevel, message string, err error) {
	m.mu.RLock()
	callback := m.notificationCallback
	m.mu.RUnlock()

	fields := logrus.Fields{
		"function": "notify",
		"message":  message,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := logrus.WithFields(fields)
	switch level {
	case NotifyError:
		entry.Error("Call notification")
	case NotifyWarning:
		entry.Warn("Call notification")
	default:
		entry.Info("Call notification")
	}

	if callback != nil {
		go callback(Notification{Level: level, Message: message, Err: err})
	}
}

// newSessionLocked installs a fresh session. Must be called with m.mu held
// and no session active.
func (m *Manager) newSessionLocked(session CallSession) *callResources {
	rec := recorder.New(recorder.Options{
		Sink:          m.recordingSink,
		SliceInterval: m.config.RecordingSliceInterval,
		TimeProvider:  m.timeProvider,
	})
	screen := screenshare.NewController(m.acquirer)
	res := newCallResources(rec, screen)

	id := session.ID
	screen.OnChange(func(sharing bool) {
		m.queue.push(input{kind: inputScreenShare, sessionID: id, sharing: sharing})
	})
	screen.OnError(func(err error) {
		m.queue.push(input{kind: inputScreenShare, sessionID: id, err: err})
	})

	m.session = &session
	m.call = res
	m.quality = QualityDisconnected
	m.messages = nil
	m.limiter = rate.NewLimiter(m.config.ChatRateLimit, m.config.ChatBurst)
	return res
}

// cleanup ends the session identified by sessionID, or any session when
// sessionID is empty. It is idempotent and safe to call concurrently from
// any state: only the first caller for a session releases its resources.
func (m *Manager) cleanup(sessionID string, t trigger, cause error) {
	m.mu.Lock()
	if m.session == nil || m.call == nil || m.call.released || m.session.Status == StatusEnding {
		m.mu.Unlock()
		return
	}
	if sessionID != "" && m.session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	session := m.session
	res := m.call
	if !m.updateStatusLocked(session, t) {
		session.Status = StatusEnding
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "cleanup",
		"session_id": session.ID,
		"trigger":    t.String(),
	}).Info("Cleaning up call session")

	m.publishState()

	id := session.ID
	res.release(&m.mu, func(artifact recorder.Artifact, err error) {
		m.recordingFinished(id, artifact, err)
	})

	m.mu.Lock()
	m.updateStatusLocked(session, trigCleanupDone)
	if m.session == session {
		m.session = nil
		m.call = nil
		m.quality = QualityDisconnected
		m.messages = nil
	}
	m.mu.Unlock()

	m.publishState()

	logrus.WithFields(logrus.Fields{
		"function":   "cleanup",
		"session_id": id,
	}).Info("Call session released")
}

// LiveTransports reports whether the current session still holds an open
// transport. It is intended for leak checks.
func (m *Manager) LiveTransports() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.call == nil || m.call.transport == nil {
		return 0
	}
	return 1
}

func (m *Manager) recordingFinished(sessionID string, artifact recorder.Artifact, err error) {
	if errors.Is(err, recorder.ErrNotRecording) {
		return
	}
	if err != nil {
		m.notify(NotifyWarning, "Recording could not be saved", err)
		return
	}
	m.mu.Lock()
	m.lastRecording = &artifact
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "recordingFinished",
		"session_id": sessionID,
		"name":       artifact.Name,
		"size":       artifact.Size,
	}).Info("Recording saved")

	m.notify(NotifyInfo, "Recording saved as "+artifact.Name, nil)
	m.publishState()
}

// send builds and sends one envelope on channel.
func (m *Manager) send(ctx context.Context, channel, sessionID string, t signaling.Type, payload any) error {
	env, err := signaling.NewEnvelope(t, sessionID, m.self.ID, m.seq.Next(), payload)
	if err != nil {
		return err
	}
	if err := m.relay.Send(ctx, channel, env); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// sendBestEffort sends an envelope whose loss is tolerated.
func (m *Manager) sendBestEffort(channel, sessionID string, t signaling.Type, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
	defer cancel()
	if err := m.send(ctx, channel, sessionID, t, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendBestEffort",
			"session_id": sessionID,
			"type":       string(t),
			"error":      err.Error(),
		}).Debug("Best-effort envelope not delivered")
	}
}

// startTimer arms a timer that posts kind for sessionID. Must be called with
// m.mu held.
func (m *Manager) startTimerLocked(res *callResources, sessionID string, d time.Duration, kind inputKind) *time.Timer {
	t := time.AfterFunc(d, func() {
		m.queue.push(input{kind: kind, sessionID: sessionID})
	})
	res.timers = append(res.timers, t)
	return t
}

// failSetup ends a session whose setup failed and surfaces the error.
func (m *Manager) failSetup(sessionID string, err error) {
	if errors.Is(err, ErrCallCancelled) || errors.Is(err, context.Canceled) {
		m.cleanup(sessionID, trigLocalEnd, nil)
		return
	}

	m.mu.RLock()
	session, _, ok := m.current(sessionID)
	var remote Participant
	var mode Mode
	if ok {
		remote = session.Remote()
		mode = session.Mode
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	if mode == ModeDirect && remote.ID != "" {
		m.sendBestEffort(sessionID, sessionID, signaling.TypeHangup, signaling.ReasonPayload{Reason: "setup failed"})
	}

	message := "Call setup failed"
	if isDeviceError(err) {
		message = media.Remediation(err)
	}
	m.notify(NotifyError, message, err)
	m.cleanup(sessionID, trigSetupFailed, err)
}

func isDeviceError(err error) bool {
	for _, category := range []error{
		media.ErrPermissionDenied,
		media.ErrDeviceNotFound,
		media.ErrDeviceBusy,
		media.ErrConstraintsUnsatisfiable,
		media.ErrDeviceFailure,
	} {
		if errors.Is(err, category) {
			return true
		}
	}
	return false
}
