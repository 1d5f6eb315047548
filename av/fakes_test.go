package av

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// fakeNetwork is a peer.Factory whose transports connect instantly. A
// non-initiator fed with an initiator's offer is linked to it, so data
// messages flow between the two.
type fakeNetwork struct {
	mu         sync.Mutex
	next       int
	transports []*fakeTransport
	createErr  error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{}
}

func (n *fakeNetwork) Create(ctx context.Context, opts peer.Options) (peer.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.createErr != nil {
		err := n.createErr
		n.mu.Unlock()
		return nil, err
	}
	n.next++
	t := &fakeTransport{
		net:    n,
		id:     fmt.Sprintf("t%d", n.next),
		opts:   opts,
		events: make(chan peer.Event, 64),
		done:   make(chan struct{}),
		stats:  peer.Stats{State: webrtc.PeerConnectionStateConnected, RTT: 40 * time.Millisecond},
	}
	n.transports = append(n.transports, t)
	n.mu.Unlock()

	if opts.Initiator {
		t.emit(peer.Event{Type: peer.EventSignal, Description: webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  "offer:" + t.id,
		}})
	}
	return t, nil
}

func (n *fakeNetwork) find(id string) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.transports {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Live counts transports that were not closed.
func (n *fakeNetwork) Live() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	live := 0
	for _, t := range n.transports {
		if !t.isClosed() {
			live++
		}
	}
	return live
}

func (n *fakeNetwork) All() []*fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeTransport(nil), n.transports...)
}

func (n *fakeNetwork) Last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transports) == 0 {
		return nil
	}
	return n.transports[len(n.transports)-1]
}

type fakeTransport struct {
	net    *fakeNetwork
	id     string
	opts   peer.Options
	events chan peer.Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	remote     *fakeTransport
	sent       []peer.DataMessage
	replaced   []*media.Track
	replaceErr error
	restarts   int
	keyframes  int
	stats      peer.Stats
	statsErr   error
	closed     bool
}

func (t *fakeTransport) Events() <-chan peer.Event { return t.events }
func (t *fakeTransport) Done() <-chan struct{}     { return t.done }

func (t *fakeTransport) emit(ev peer.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *fakeTransport) connect() {
	t.emit(peer.Event{Type: peer.EventConnect})
	t.emit(peer.Event{Type: peer.EventStream, Stream: peer.NewRemoteStream("remote-" + t.id)})
}

func (t *fakeTransport) Signal(ctx context.Context, desc webrtc.SessionDescription) error {
	if t.isClosed() {
		return peer.ErrTransportClosed
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if t.opts.Initiator {
			return peer.ErrUnexpectedDescription
		}
		if initiator := t.net.find(strings.TrimPrefix(desc.SDP, "offer:")); initiator != nil {
			t.mu.Lock()
			t.remote = initiator
			t.mu.Unlock()
			initiator.mu.Lock()
			initiator.remote = t
			initiator.mu.Unlock()
		}
		t.emit(peer.Event{Type: peer.EventSignal, Description: webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  "answer:" + t.id,
		}})
		t.connect()
	case webrtc.SDPTypeAnswer:
		if !t.opts.Initiator {
			return peer.ErrUnexpectedDescription
		}
		t.connect()
	}
	return nil
}

func (t *fakeTransport) Send(msg peer.DataMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return peer.ErrTransportClosed
	}
	remote := t.remote
	if remote == nil {
		t.mu.Unlock()
		return peer.ErrChannelNotOpen
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	remote.emit(peer.Event{Type: peer.EventData, Message: msg})
	return nil
}

func (t *fakeTransport) ReplaceVideoTrack(ctx context.Context, track *media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replaceErr != nil {
		return t.replaceErr
	}
	t.replaced = append(t.replaced, track)
	return nil
}

func (t *fakeTransport) Restart(ctx context.Context) error {
	t.mu.Lock()
	t.restarts++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Stats(ctx context.Context) (peer.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, t.statsErr
}

func (t *fakeTransport) setStats(stats peer.Stats, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats, t.statsErr = stats, err
}

func (t *fakeTransport) RequestKeyframe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyframes++
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentMessages() []peer.DataMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]peer.DataMessage(nil), t.sent...)
}

func (t *fakeTransport) replacedTracks() []*media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*media.Track(nil), t.replaced...)
}

func (t *fakeTransport) restartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

type noteLog struct {
	mu    sync.Mutex
	notes []Notification
}

func (l *noteLog) add(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, n)
}

func (l *noteLog) has(level NotificationLevel, target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.notes {
		if n.Level != level {
			continue
		}
		if target == nil || errors.Is(n.Err, target) {
			return true
		}
	}
	return false
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IterationInterval = 5 * time.Millisecond
	cfg.SignalTimeout = 2 * time.Second
	cfg.ErrorGracePeriod = 50 * time.Millisecond
	cfg.ICERestartTimeout = 200 * time.Millisecond
	cfg.QualityInterval = 20 * time.Millisecond
	cfg.RecordingSliceInterval = 50 * time.Millisecond
	cfg.SpeakingInterval = 20 * time.Millisecond
	cfg.ICEServers = nil
	return cfg
}

type fixture struct {
	m      *Manager
	relay  *signaling.MemoryRelay
	net    *fakeNetwork
	device *media.SyntheticDevice
	acq    *media.Acquirer
	sink   *recorder.MemorySink
	notes  *noteLog
	states *stateLog
}

func newFixture(t *testing.T, id string, relay *signaling.MemoryRelay, net *fakeNetwork, mutate ...func(*Config)) *fixture {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	device := media.NewSyntheticDevice()
	acq, err := media.NewAcquirer(device, media.DefaultConstraints())
	require.NoError(t, err)

	m, err := NewManager(Participant{ID: id, Name: strings.ToUpper(id[:1]) + id[1:]}, relay, acq, net, cfg)
	require.NoError(t, err)

	f := &fixture{
		m:      m,
		relay:  relay,
		net:    net,
		device: device,
		acq:    acq,
		sink:   recorder.NewMemorySink(),
		notes:  &noteLog{},
		states: &stateLog{},
	}
	m.SetRecordingSink(f.sink)
	m.SetNotificationCallback(f.notes.add)
	m.SetStateCallback(f.states.add)

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return f
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == want }, 3*time.Second, 5*time.Millisecond,
		"status never became %s (is %s)", want, m.Status())
}

func sendEnvelope(t *testing.T, relay signaling.Relay, channel string, typ signaling.Type, sessionID, from string, seq uint64, payload any) {
	t.Helper()
	env, err := signaling.NewEnvelope(typ, sessionID, from, seq, payload)
	require.NoError(t, err)
	require.NoError(t, relay.Send(context.Background(), channel, env))
}

func waitEnvelope(t *testing.T, relay *signaling.MemoryRelay, typ signaling.Type) signaling.Envelope {
	t.Helper()
	var env signaling.Envelope
	require.Eventually(t, func() bool {
		sent := relay.SentOfType(typ)
		if len(sent) == 0 {
			return false
		}
		env = sent[0]
		return true
	}, 3*time.Second, 5*time.Millisecond, "no %s envelope sent", typ)
	return env
}

// connectOutgoing places a call to "c1" and plays the remote side until the
// manager is connected. It returns the session ID.
func connectOutgoing(t *testing.T, f *fixture, kind Kind) string {
	t.Helper()
	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1", Name: "Jane"}, kind))

	invite := waitEnvelope(t, f.relay, signaling.TypeInvite)
	id := invite.SessionID
	sendEnvelope(t, f.relay, id, signaling.TypeRinging, id, "c1", 1, nil)
	waitStatus(t, f.m, StatusRinging)

	sendEnvelope(t, f.relay, id, signaling.TypeAnswer, id, "c1", 2, signaling.DescriptionPayload{
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:c1"},
	})
	waitStatus(t, f.m, StatusConnected)
	return id
}

// transportOf returns the fake transport of the manager's current session.
func transportOf(t *testing.T, m *Manager) *fakeTransport {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	require.NotNil(t, m.call)
	ft, ok := m.call.transport.(*fakeTransport)
	require.True(t, ok)
	return ft
}

func recorderOf(m *Manager) *recorder.Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.call == nil {
		return nil
	}
	return m.call.recorder
}
