package av

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/audio"
	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// MeshDriver connects group participants with one peer transport each. To
// the remote side every leg looks like an ordinary incoming call on its own
// session channel, "<session>/<participant>".
type MeshDriver struct {
	self    Participant
	relay   signaling.Relay
	factory peer.Factory
	timeout time.Duration
	seq     signaling.Sequence
}

// NewMeshDriver creates a driver that signals through relay. timeout bounds
// each dial; zero uses DefaultConfig().SignalTimeout.
func NewMeshDriver(self Participant, relay signaling.Relay, factory peer.Factory, timeout time.Duration) *MeshDriver {
	if timeout <= 0 {
		timeout = DefaultConfig().SignalTimeout
	}
	return &MeshDriver{self: self, relay: relay, factory: factory, timeout: timeout}
}

// Dial invites p and waits until the leg's transport connects.
func (d *MeshDriver) Dial(ctx context.Context, sessionID string, p Participant, local *media.Stream) (Leg, error) {
	legID := sessionID + "/" + p.ID
	kind := KindAudio
	if local != nil && local.VideoTrack() != nil {
		kind = KindVideo
	}

	transport, err := d.factory.Create(ctx, peer.Options{Initiator: true, Local: local, Label: legID})
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", p.ID, err)
	}

	leg := &meshLeg{
		driver:      d,
		id:          legID,
		participant: p,
		kind:        kind,
		transport:   transport,
		meter:       audio.NewLevelMeter(),
		connected:   make(chan struct{}),
		failed:      make(chan error, 1),
		done:        make(chan struct{}),
	}

	unsubscribe, err := d.relay.Subscribe(legID, leg.handleEnvelope)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", legID, err)
	}
	leg.mu.Lock()
	leg.unsubscribe = unsubscribe
	leg.mu.Unlock()

	go leg.pump()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case <-leg.connected:
		return leg, nil
	case err := <-leg.failed:
		leg.Close()
		return nil, err
	case <-leg.done:
		return nil, fmt.Errorf("%s left before connecting", p.ID)
	case <-timer.C:
		leg.Close()
		return nil, fmt.Errorf("%w: %s", ErrSignalTimeout, p.ID)
	case <-ctx.Done():
		leg.Close()
		return nil, ctx.Err()
	}
}

type meshLeg struct {
	driver      *MeshDriver
	id          string
	participant Participant
	kind        Kind
	transport   peer.Transport
	meter       *audio.LevelMeter
	dedup       signaling.Deduper

	connected chan struct{}
	failed    chan error
	done      chan struct{}

	connectOnce sync.Once
	failOnce    sync.Once
	doneOnce    sync.Once
	closeOnce   sync.Once

	mu          sync.Mutex
	unsubscribe func()
	inviteSent  bool
	restarted   bool
	remote      *peer.RemoteStream
	stopMeter   func()
	onMessage   func(peer.DataMessage)
}

func (l *meshLeg) Done() <-chan struct{} { return l.done }

func (l *meshLeg) AudioLevel() float64 { return l.meter.Level() }

func (l *meshLeg) Send(msg peer.DataMessage) error { return l.transport.Send(msg) }

func (l *meshLeg) Stats(ctx context.Context) (peer.Stats, error) { return l.transport.Stats(ctx) }

func (l *meshLeg) ReplaceVideoTrack(ctx context.Context, track *media.Track) error {
	return l.transport.ReplaceVideoTrack(ctx, track)
}

func (l *meshLeg) RemoteStream() *peer.RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *meshLeg) OnMessage(fn func(peer.DataMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMessage = fn
}

func (l *meshLeg) fail(err error) {
	l.failOnce.Do(func() { l.failed <- err })
}

func (l *meshLeg) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *meshLeg) isConnected() bool {
	select {
	case <-l.connected:
		return true
	default:
		return false
	}
}

func (l *meshLeg) pump() {
	for {
		select {
		case ev, ok := <-l.transport.Events():
			if !ok {
				l.finish()
				return
			}
			l.handleEvent(ev)
		case <-l.transport.Done():
			return
		}
	}
}

func (l *meshLeg) handleEvent(ev peer.Event) {
	switch ev.Type {
	case peer.EventSignal:
		l.sendDescription(ev.Description)

	case peer.EventStream:
		l.mu.Lock()
		l.remote = ev.Stream
		if track := ev.Stream.Track(media.KindAudio); track != nil && l.stopMeter == nil {
			frames, cancel := track.Subscribe(64)
			l.stopMeter = cancel
			go l.meter.Run(frames)
		}
		l.mu.Unlock()
		if err := l.transport.RequestKeyframe(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "meshLeg.handleEvent",
				"leg":      l.id,
				"error":    err.Error(),
			}).Trace("Keyframe request not sent")
		}

	case peer.EventConnect:
		l.connectOnce.Do(func() { close(l.connected) })

	case peer.EventData:
		l.handleData(ev.Message)

	case peer.EventError:
		if !l.isConnected() {
			l.fail(ev.Err)
			return
		}
		l.mu.Lock()
		restart := peer.IsRecoverable(ev.Err) && !l.restarted
		l.restarted = true
		l.mu.Unlock()
		if !restart {
			l.finish()
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.driver.timeout)
			defer cancel()
			if err := l.transport.Restart(ctx); err != nil {
				l.finish()
			}
		}()

	case peer.EventClose:
		l.finish()
	}
}

func (l *meshLeg) handleData(msg peer.DataMessage) {
	switch msg.Type {
	case peer.MessageCallEnd:
		l.finish()
		return
	case peer.MessageMediaControl:
		var kind media.Kind
		var enabled bool
		switch msg.Action {
		case peer.ActionAudioOn, peer.ActionAudioOff:
			kind, enabled = media.KindAudio, msg.Action == peer.ActionAudioOn
		case peer.ActionVideoOn, peer.ActionVideoOff:
			kind, enabled = media.KindVideo, msg.Action == peer.ActionVideoOn
		default:
			return
		}
		if remote := l.RemoteStream(); remote != nil {
			if track := remote.Track(kind); track != nil {
				track.SetEnabled(enabled)
			}
		}
		return
	}

	l.mu.Lock()
	fn := l.onMessage
	l.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (l *meshLeg) sendDescription(desc webrtc.SessionDescription) {
	l.mu.Lock()
	first := !l.inviteSent
	l.inviteSent = true
	l.mu.Unlock()

	var (
		channel = l.id
		envType = signaling.TypeOffer
		payload any
	)
	if first {
		channel = l.participant.ID
		envType = signaling.TypeInvite
		payload = signaling.InvitePayload{
			Caller: toPeer(l.driver.self),
			Kind:   string(l.kind),
			Group:  true,
			Offer:  desc,
		}
	} else {
		payload = signaling.DescriptionPayload{Description: desc}
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.driver.timeout)
	defer cancel()
	if err := l.send(ctx, channel, envType, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "meshLeg.sendDescription",
			"leg":      l.id,
			"type":     string(envType),
			"error":    err.Error(),
		}).Warn("Failed to send description")
		if first {
			l.fail(err)
		}
	}
}

func (l *meshLeg) send(ctx context.Context, channel string, t signaling.Type, payload any) error {
	env, err := signaling.NewEnvelope(t, l.id, l.driver.self.ID, l.driver.seq.Next(), payload)
	if err != nil {
		return err
	}
	return l.driver.relay.Send(ctx, channel, env)
}

func (l *meshLeg) handleEnvelope(env signaling.Envelope) {
	if env.From == l.driver.self.ID || l.dedup.Seen(env) {
		return
	}

	switch env.Type {
	case signaling.TypeAnswer:
		var payload signaling.DescriptionPayload
		if err := env.Decode(&payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "meshLeg.handleEnvelope",
				"leg":      l.id,
				"error":    err.Error(),
			}).Warn("Dropping garbled answer")
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.driver.timeout)
			defer cancel()
			if err := l.transport.Signal(ctx, payload.Description); err != nil {
				l.fail(fmt.Errorf("apply answer from %s: %w", l.participant.ID, err))
			}
		}()
	case signaling.TypeReject, signaling.TypeBusy, signaling.TypeHangup:
		if l.isConnected() {
			l.finish()
			return
		}
		l.fail(fmt.Errorf("%s declined (%s)", l.participant.ID, env.Type))
	}
}

func (l *meshLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		unsubscribe, stopMeter, invited := l.unsubscribe, l.stopMeter, l.inviteSent
		l.mu.Unlock()

		if stopMeter != nil {
			stopMeter()
		}
		if invited {
			ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
			if sendErr := l.send(ctx, l.id, signaling.TypeHangup, nil); sendErr != nil && !errors.Is(sendErr, context.DeadlineExceeded) {
				logrus.WithFields(logrus.Fields{
					"function": "meshLeg.Close",
					"leg":      l.id,
					"error":    sendErr.Error(),
				}).Debug("Hangup not delivered")
			}
			cancel()
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		err = l.transport.Close()
		l.finish()
	})
	return err
}
