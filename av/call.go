package av

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/screenshare"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// InitiateCall places a 1:1 call to recipient.
//
// It returns once local media is captured and the transport is negotiating;
// the invitation carrying the offer is sent as soon as ICE gathering
// completes. The status then follows the remote side: ringing on the
// acknowledgement, connected when the transport connects. Cancelling ctx
// before InitiateCall returns cancels the call.
func (m *Manager) InitiateCall(ctx context.Context, recipient Participant, kind Kind) error {
	if err := m.validateCallee(recipient); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallAlreadyActive
	}
	session := CallSession{
		ID:        uuid.NewString(),
		Caller:    m.self,
		Recipient: recipient,
		Kind:      kind,
		StartedAt: m.timeProvider.Now(),
		Direction: DirectionOutgoing,
		Mode:      ModeDirect,
	}
	res := m.newSessionLocked(session)
	m.updateStatusLocked(m.session, trigInitiate)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "InitiateCall",
		"session_id": session.ID,
		"recipient":  recipient.ID,
		"kind":       string(kind),
	}).Info("Initiating call")

	m.publishState()

	stop := context.AfterFunc(ctx, res.cancel)
	defer stop()

	if err := m.setupOutgoing(session.ID, res, kind); err != nil {
		m.failSetup(session.ID, err)
		return err
	}
	return nil
}

func (m *Manager) validateCallee(p Participant) error {
	if p.ID == "" {
		return ErrInvalidParticipant
	}
	if p.ID == m.self.ID {
		return ErrSelfCall
	}
	return nil
}

func (m *Manager) setupOutgoing(id string, res *callResources, kind Kind) error {
	stream, err := m.acquirer.Acquire(res.ctx, kind == KindVideo, true)
	if err != nil {
		return setupError(res, "acquire media", err)
	}
	if err := m.attachLocal(id, res, stream); err != nil {
		return err
	}
	if err := m.subscribeSession(id, res); err != nil {
		return setupError(res, "subscribe to session", err)
	}

	transport, err := m.factory.Create(res.ctx, peer.Options{Initiator: true, Local: stream, Label: id})
	if err != nil {
		return setupError(res, "create transport", err)
	}
	if err := m.attachTransport(id, res, transport); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !res.attachable() {
		return ErrCallCancelled
	}
	res.signalTimer = m.startTimerLocked(res, id, m.config.SignalTimeout, inputSignalTimeout)
	if m.config.DemoRingDelay > 0 {
		m.startTimerLocked(res, id, m.config.DemoRingDelay, inputDemoRing)
	}
	return nil
}

// AcceptCall answers the ringing incoming call. It fails with
// ErrInvalidState, without touching any device, unless an incoming call is
// ringing.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	if session == nil || m.call == nil || session.Direction != DirectionIncoming ||
		session.Status != StatusRinging || m.call.accepting || m.call.offer == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	res := m.call
	res.accepting = true
	// Setup is bounded by its own timeouts from here on.
	if res.signalTimer != nil {
		res.signalTimer.Stop()
	}
	id, kind, offer := session.ID, session.Kind, *res.offer
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "AcceptCall",
		"session_id": id,
		"kind":       string(kind),
	}).Info("Accepting call")

	stop := context.AfterFunc(ctx, res.cancel)
	defer stop()

	if err := m.setupIncoming(id, res, kind, offer); err != nil {
		m.failSetup(id, err)
		return err
	}

	m.apply(id, trigAccept)
	return nil
}

func (m *Manager) setupIncoming(id string, res *callResources, kind Kind, offer webrtc.SessionDescription) error {
	stream, err := m.acquirer.Acquire(res.ctx, kind == KindVideo, true)
	if err != nil {
		return setupError(res, "acquire media", err)
	}
	if err := m.attachLocal(id, res, stream); err != nil {
		return err
	}

	transport, err := m.factory.Create(res.ctx, peer.Options{Initiator: false, Local: stream, Label: id})
	if err != nil {
		return setupError(res, "create transport", err)
	}
	if err := m.attachTransport(id, res, transport); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(res.ctx, m.config.SignalTimeout)
	defer cancel()
	if err := transport.Signal(ctx, offer); err != nil {
		return setupError(res, "apply offer", err)
	}
	return nil
}

// RejectCall declines or abandons the current session from any non-idle
// status. The remote side is told on a best-effort basis.
func (m *Manager) RejectCall() error {
	m.mu.RLock()
	if m.session == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	id, mode := m.session.ID, m.session.Mode
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":   "RejectCall",
		"session_id": id,
	}).Info("Rejecting call")

	if mode == ModeDirect {
		m.sendBestEffort(id, id, signaling.TypeReject, signaling.ReasonPayload{Reason: "declined"})
	}
	m.cleanup(id, trigLocalEnd, nil)
	return nil
}

// EndCall hangs up. During setup it cancels the call. Cleanup always runs.
func (m *Manager) EndCall() error {
	m.mu.RLock()
	if m.session == nil || m.call == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	id, mode := m.session.ID, m.session.Mode
	transport, group := m.call.transport, m.call.group
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":   "EndCall",
		"session_id": id,
	}).Info("Ending call")

	if err := m.broadcast(transport, group, peer.CallEnd()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "EndCall",
			"session_id": id,
			"error":      err.Error(),
		}).Debug("call-end message not delivered")
	}
	if mode == ModeDirect {
		m.sendBestEffort(id, id, signaling.TypeHangup, nil)
	}
	m.cleanup(id, trigLocalEnd, nil)
	return nil
}

// setupError wraps err, marking it as a cancellation when the session
// context is already done.
func setupError(res *callResources, op string, err error) error {
	if res.ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrCallCancelled, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// attachLocal hands the captured stream to the session, or stops it when the
// session ended meanwhile.
func (m *Manager) attachLocal(id string, res *callResources, stream *media.Stream) error {
	m.mu.Lock()
	if !res.attachable() {
		m.mu.Unlock()
		stream.Stop()
		return ErrCallCancelled
	}
	res.local = stream
	m.mu.Unlock()

	for _, track := range stream.Tracks() {
		track.OnEnded(func(t *media.Track) {
			m.queue.push(input{kind: inputTrackEnded, sessionID: id, track: t})
		})
	}
	return nil
}

func (m *Manager) attachTransport(id string, res *callResources, transport peer.Transport) error {
	m.mu.Lock()
	if !res.attachable() {
		m.mu.Unlock()
		if err := transport.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "attachTransport",
				"session_id": id,
				"error":      err.Error(),
			}).Debug("Closing orphaned transport failed")
		}
		return ErrCallCancelled
	}
	res.transport = transport
	m.mu.Unlock()

	go m.pump(id, transport)
	return nil
}

func (m *Manager) subscribeSession(id string, res *callResources) error {
	cancel, err := m.relay.Subscribe(id, func(env signaling.Envelope) {
		m.queue.push(input{kind: inputEnvelope, sessionID: id, envelope: env})
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !res.attachable() {
		cancel()
		return ErrCallCancelled
	}
	res.unsubscribe = cancel
	return nil
}

// pump forwards transport events. Local descriptions are sent right away;
// everything else goes through the event queue.
func (m *Manager) pump(id string, transport peer.Transport) {
	for {
		select {
		case ev, ok := <-transport.Events():
			if !ok {
				return
			}
			if ev.Type == peer.EventSignal {
				m.sendDescription(id, ev.Description)
				continue
			}
			m.queue.push(input{kind: inputTransport, sessionID: id, transport: transport, event: ev})
		case <-transport.Done():
			return
		}
	}
}

// sendDescription routes a local description: the caller's first offer
// travels inside the invitation, later offers are ICE restarts, and the
// callee's descriptions are answers.
func (m *Manager) sendDescription(id string, desc webrtc.SessionDescription) {
	m.mu.Lock()
	session, res, ok := m.current(id)
	if !ok {
		m.mu.Unlock()
		return
	}

	var (
		channel  = id
		envType  signaling.Type
		payload  any
		critical bool
	)
	switch {
	case session.Direction == DirectionOutgoing && !res.inviteSent:
		res.inviteSent = true
		channel = session.Recipient.ID
		envType = signaling.TypeInvite
		payload = signaling.InvitePayload{Caller: toPeer(m.self), Kind: string(session.Kind), Offer: desc}
		critical = true
	case session.Direction == DirectionOutgoing:
		envType = signaling.TypeOffer
		payload = signaling.DescriptionPayload{Description: desc}
	default:
		critical = !res.answerSent
		res.answerSent = true
		envType = signaling.TypeAnswer
		payload = signaling.DescriptionPayload{Description: desc}
	}
	parent := res.ctx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, m.config.SignalTimeout)
	defer cancel()

	err := m.send(ctx, channel, id, envType, payload)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendDescription",
			"session_id": id,
			"type":       string(envType),
		}).Debug("Local description sent")
		return
	}
	if parent.Err() != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "sendDescription",
		"session_id": id,
		"type":       string(envType),
		"error":      err.Error(),
	}).Warn("Failed to send local description")

	if critical {
		m.queue.push(input{kind: inputSetupError, sessionID: id, err: err})
	}
}

func (m *Manager) handleInvite(env signaling.Envelope) {
	if env.From == m.self.ID {
		return
	}
	if env.Type != signaling.TypeInvite {
		logrus.WithFields(logrus.Fields{
			"function": "handleInvite",
			"type":     string(env.Type),
			"from":     env.From,
		}).Debug("Ignoring non-invite envelope in inbox")
		return
	}

	var invite signaling.InvitePayload
	if err := env.Decode(&invite); err != nil || invite.Caller.ID != env.From {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInvite",
			"session_id": env.SessionID,
			"from":       env.From,
		}).Warn("Dropping malformed invitation")
		return
	}
	kind := Kind(invite.Kind)
	if !kind.Valid() {
		kind = KindAudio
	}

	m.mu.Lock()
	if _, seen := m.seenInvites[env.SessionID]; seen {
		m.mu.Unlock()
		return
	}
	m.seenInvites[env.SessionID] = struct{}{}

	caller := fromPeer(invite.Caller)
	if m.session != nil {
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "handleInvite",
			"session_id": env.SessionID,
			"caller":     caller.ID,
		}).Info("Busy, declining invitation")

		go m.sendBestEffort(env.SessionID, env.SessionID, signaling.TypeBusy, nil)
		m.notify(NotifyInfo, "Missed call from "+displayName(caller), nil)
		return
	}

	session := CallSession{
		ID:        env.SessionID,
		Caller:    caller,
		Recipient: m.self,
		Kind:      kind,
		StartedAt: m.timeProvider.Now(),
		Direction: DirectionIncoming,
		Mode:      ModeDirect,
	}
	res := m.newSessionLocked(session)
	offer := invite.Offer
	res.offer = &offer
	m.updateStatusLocked(m.session, trigIncoming)
	res.signalTimer = m.startTimerLocked(res, session.ID, m.config.SignalTimeout, inputSignalTimeout)
	callback := m.incomingCallCallback
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "handleInvite",
		"session_id": session.ID,
		"caller":     caller.ID,
		"kind":       string(kind),
		"group":      invite.Group,
	}).Info("Incoming call")

	if err := m.subscribeSession(session.ID, res); err != nil {
		m.failSetup(session.ID, err)
		return
	}
	m.sendBestEffort(session.ID, session.ID, signaling.TypeRinging, nil)

	m.publishState()
	if callback != nil {
		callback(session)
	}
}

func (m *Manager) handleEnvelope(id string, env signaling.Envelope) {
	if env.From == m.self.ID {
		return
	}

	m.mu.Lock()
	session, res, ok := m.current(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	if res.dedup.Seen(env) {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "handleEnvelope",
			"session_id": id,
			"seq":        env.Seq,
		}).Debug("Dropping duplicate envelope")
		return
	}
	direction, remote := session.Direction, session.Remote()
	transport, parent := res.transport, res.ctx
	m.mu.Unlock()

	switch env.Type {
	case signaling.TypeRinging:
		if direction == DirectionOutgoing {
			m.apply(id, trigRingingAck)
		}
	case signaling.TypeAnswer, signaling.TypeOffer:
		wantAnswer := direction == DirectionOutgoing
		if transport == nil || wantAnswer != (env.Type == signaling.TypeAnswer) {
			return
		}
		var payload signaling.DescriptionPayload
		if err := env.Decode(&payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "handleEnvelope",
				"session_id": id,
				"type":       string(env.Type),
				"error":      err.Error(),
			}).Warn("Dropping garbled description")
			return
		}
		go m.applyRemoteDescription(parent, id, transport, payload.Description)
	case signaling.TypeReject:
		m.notify(NotifyInfo, displayName(remote)+" declined the call", nil)
		m.cleanup(id, trigRemoteEnd, nil)
	case signaling.TypeBusy:
		m.notify(NotifyInfo, displayName(remote)+" is busy", nil)
		m.cleanup(id, trigRemoteEnd, nil)
	case signaling.TypeHangup:
		m.notify(NotifyInfo, displayName(remote)+" ended the call", nil)
		m.cleanup(id, trigRemoteEnd, nil)
	}
}

func (m *Manager) applyRemoteDescription(parent context.Context, id string, transport peer.Transport, desc webrtc.SessionDescription) {
	ctx, cancel := context.WithTimeout(parent, m.config.SignalTimeout)
	defer cancel()

	if err := transport.Signal(ctx, desc); err != nil {
		if parent.Err() != nil {
			return
		}
		m.queue.push(input{kind: inputSetupError, sessionID: id, err: fmt.Errorf("apply remote description: %w", err)})
	}
}

func (m *Manager) handleSignalTimeout(id string) {
	m.mu.RLock()
	session, res, ok := m.current(id)
	var status Status
	var direction Direction
	var remote Participant
	var accepting bool
	if ok {
		status, direction, remote = session.Status, session.Direction, session.Remote()
		accepting = res.accepting
	}
	m.mu.RUnlock()

	if !ok || accepting || (status != StatusCalling && status != StatusRinging) {
		return
	}

	if direction == DirectionIncoming {
		m.notify(NotifyInfo, "Missed call from "+displayName(remote), ErrSignalTimeout)
	} else {
		m.notify(NotifyWarning, displayName(remote)+" did not answer", ErrSignalTimeout)
		m.sendBestEffort(id, id, signaling.TypeHangup, signaling.ReasonPayload{Reason: "timeout"})
	}
	m.cleanup(id, trigTimeout, ErrSignalTimeout)
}

// onConnectedLocked stops the signaling timer and starts the screen-share
// and quality machinery. Callers hold m.mu.
func (m *Manager) onConnectedLocked(session *CallSession, res *callResources) {
	id := session.ID
	if res.signalTimer != nil {
		res.signalTimer.Stop()
	}

	var (
		source StatsSource
		sender screenshare.Replacer
	)
	switch {
	case res.group != nil:
		source, sender = res.group, res.group
	case res.transport != nil:
		source, sender = res.transport, res.transport
	}
	if res.local != nil && sender != nil {
		res.screen.Attach(res.local, sender)
	}
	if source != nil && res.monitor == nil {
		res.monitor = NewQualityMonitor(source, m.config.Quality, m.config.QualityInterval, m.timeProvider)
		monitor, ctx := res.monitor, res.ctx
		go monitor.Run(ctx, func(sample QualitySample) {
			m.queue.push(input{kind: inputQuality, sessionID: id, sample: sample})
		})
	}
}

func (m *Manager) handleTransportEvent(id string, transport peer.Transport, ev peer.Event) {
	m.mu.Lock()
	session, res, ok := m.current(id)
	if !ok || res.transport != transport {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case peer.EventStream:
		res.remote = ev.Stream
		for kind, enabled := range res.pendingControl {
			if track := ev.Stream.Track(kind); track != nil {
				track.SetEnabled(enabled)
			}
		}
		m.mu.Unlock()
		requestKeyframe(id, transport)
		if !m.apply(id, trigRemoteStream) {
			m.publishState()
		}

	case peer.EventConnect:
		recovered := res.reconnecting
		res.reconnecting = false
		m.mu.Unlock()
		if recovered {
			m.notify(NotifyInfo, "Connection restored", nil)
		}
		if !m.apply(id, trigConnect) {
			m.publishState()
		}

	case peer.EventData:
		remote := session.Remote()
		m.mu.Unlock()
		m.handleData(id, remote, ev.Message)

	case peer.EventError:
		m.handleTransportError(id, session, res, transport, ev.Err)

	case peer.EventClose:
		m.mu.Unlock()
		m.cleanup(id, trigTransportClosed, nil)

	default:
		m.mu.Unlock()
	}
}

// handleTransportError is called with m.mu held and releases it. A
// recoverable failure gets one ICE restart; anything else ends the call
// after the grace period.
func (m *Manager) handleTransportError(id string, session *CallSession, res *callResources, transport peer.Transport, cause error) {
	if peer.IsRecoverable(cause) && !res.restarted {
		res.restarted = true
		res.reconnecting = true
		m.startTimerLocked(res, id, m.config.ICERestartTimeout, inputRestartExpired)
		parent := res.ctx
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "handleTransportError",
			"session_id": id,
			"error":      cause.Error(),
		}).Warn("Connection failed, attempting ICE restart")
		m.notify(NotifyWarning, "Connection lost, reconnecting", cause)

		go func() {
			ctx, cancel := context.WithTimeout(parent, m.config.ICERestartTimeout)
			defer cancel()
			if err := transport.Restart(ctx); err != nil && parent.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function":   "handleTransportError",
					"session_id": id,
					"error":      err.Error(),
				}).Warn("ICE restart failed")
			}
		}()
		return
	}

	if res.failing {
		m.mu.Unlock()
		return
	}
	res.failing = true
	res.timers = append(res.timers, time.AfterFunc(m.config.ErrorGracePeriod, func() {
		m.queue.push(input{kind: inputGraceExpired, sessionID: id, err: cause})
	}))
	status := session.Status
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "handleTransportError",
		"session_id": id,
		"status":     status.String(),
		"error":      fmt.Sprint(cause),
	}).Error("Unrecoverable transport error")
	m.notify(NotifyError, "Connection failed", cause)
}

func (m *Manager) handleRestartExpired(id string) {
	m.mu.RLock()
	_, res, ok := m.current(id)
	reconnecting := ok && res.reconnecting
	m.mu.RUnlock()

	if !reconnecting {
		return
	}
	m.notify(NotifyError, "Could not reconnect", peer.ErrICEFailed)
	m.cleanup(id, trigTransportFailed, peer.ErrICEFailed)
}

// handleData applies a data-channel message from the remote participant.
func (m *Manager) handleData(id string, from Participant, msg peer.DataMessage) {
	switch msg.Type {
	case peer.MessageChat:
		chat := ChatMessage{From: from, Content: msg.Content, Timestamp: time.UnixMilli(msg.Timestamp)}
		m.mu.Lock()
		if _, _, ok := m.current(id); !ok {
			m.mu.Unlock()
			return
		}
		m.messages = append(m.messages, chat)
		callback := m.chatCallback
		m.mu.Unlock()

		if callback != nil {
			callback(chat)
		}
		m.publishState()

	case peer.MessageMediaControl:
		m.handleMediaControl(id, from, msg.Action)

	case peer.MessageCallEnd:
		m.mu.RLock()
		session, _, ok := m.current(id)
		group := ok && session.Mode == ModeGroup
		m.mu.RUnlock()
		if !ok || group {
			return
		}
		m.notify(NotifyInfo, displayName(from)+" ended the call", nil)
		m.cleanup(id, trigRemoteEnd, nil)
	}
}

func (m *Manager) handleMediaControl(id string, from Participant, action string) {
	var (
		kind    media.Kind
		enabled bool
	)
	switch action {
	case peer.ActionVideoOn, peer.ActionVideoOff:
		kind, enabled = media.KindVideo, action == peer.ActionVideoOn
	case peer.ActionAudioOn, peer.ActionAudioOff:
		kind, enabled = media.KindAudio, action == peer.ActionAudioOn
	case peer.ActionScreenShareOn:
		m.notify(NotifyInfo, displayName(from)+" started sharing their screen", nil)
		m.requestRemoteKeyframe(id)
		return
	case peer.ActionScreenShareOff:
		m.notify(NotifyInfo, displayName(from)+" stopped sharing their screen", nil)
		m.requestRemoteKeyframe(id)
		return
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "handleMediaControl",
			"session_id": id,
			"action":     action,
		}).Debug("Ignoring unknown media-control action")
		return
	}

	m.mu.Lock()
	_, res, ok := m.current(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	if res.remote != nil {
		if track := res.remote.Track(kind); track != nil {
			track.SetEnabled(enabled)
		}
	} else {
		res.pendingControl[kind] = enabled
	}
	m.mu.Unlock()

	m.publishState()
}

func (m *Manager) requestRemoteKeyframe(id string) {
	m.mu.RLock()
	_, res, ok := m.current(id)
	var transport peer.Transport
	if ok {
		transport = res.transport
	}
	m.mu.RUnlock()
	if transport != nil {
		requestKeyframe(id, transport)
	}
}

func requestKeyframe(id string, transport peer.Transport) {
	if err := transport.RequestKeyframe(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "requestKeyframe",
			"session_id": id,
			"error":      err.Error(),
		}).Trace("Keyframe request not sent")
	}
}

func (m *Manager) handleTrackEnded(id string, track *media.Track) {
	m.mu.RLock()
	_, _, ok := m.current(id)
	m.mu.RUnlock()
	if !ok {
		return
	}

	device := "microphone"
	if track.Kind() == media.KindVideo {
		device = "camera"
	}
	m.notify(NotifyWarning, "Your "+device+" stopped; the call continues without it", media.ErrSourceEnded)
	m.publishState()
}

func (m *Manager) handleScreenShare(id string, sharing bool, err error) {
	m.mu.RLock()
	_, res, ok := m.current(id)
	var (
		transport peer.Transport
		group     *GroupCoordinator
	)
	if ok {
		transport, group = res.transport, res.group
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	if err != nil {
		m.notify(NotifyWarning, "Screen sharing could not be stopped cleanly", err)
		m.publishState()
		return
	}

	action := peer.ActionScreenShareOff
	if sharing {
		action = peer.ActionScreenShareOn
	}
	if err := m.broadcast(transport, group, peer.MediaControl(action)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleScreenShare",
			"session_id": id,
			"error":      err.Error(),
		}).Debug("Screen-share notice not delivered")
	}
	m.publishState()
}

func (m *Manager) handleQuality(id string, sample QualitySample) {
	m.mu.Lock()
	session, _, ok := m.current(id)
	if !ok || session.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	changed := m.quality != sample.Tier
	m.quality = sample.Tier
	m.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":   "handleQuality",
			"session_id": id,
			"tier":       sample.Tier.String(),
			"loss_rate":  sample.LossRate,
			"rtt":        sample.RTT,
		}).Debug("Call quality changed")
		m.publishState()
	}
}

func toPeer(p Participant) signaling.Peer {
	return signaling.Peer{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL, Email: p.Email}
}

func fromPeer(p signaling.Peer) Participant {
	return Participant{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL, Email: p.Email}
}

func displayName(p Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
