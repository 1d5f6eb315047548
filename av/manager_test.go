package av

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/opd-ai/callsession/limits"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerValidation(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	device := media.NewSyntheticDevice()
	acq, err := media.NewAcquirer(device, media.DefaultConstraints())
	require.NoError(t, err)
	net := newFakeNetwork()

	_, err = NewManager(Participant{}, relay, acq, net, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = NewManager(Participant{ID: "me"}, nil, acq, net, DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingDependency)

	bad := DefaultConfig()
	bad.SignalTimeout = 0
	_, err = NewManager(Participant{ID: "me"}, relay, acq, net, bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	m, err := NewManager(Participant{ID: "me"}, relay, acq, net, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, relay.Subscribers("me"))
	assert.Equal(t, StatusIdle, m.Status())
	assert.Equal(t, 20*time.Millisecond, m.IterationInterval())
}

func TestManagerStartStop(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	f := newFixture(t, "me", relay, newFakeNetwork())

	assert.True(t, f.m.IsRunning())
	assert.ErrorIs(t, f.m.Start(), ErrManagerAlreadyRunning)
	require.NoError(t, f.m.Stop())
	assert.False(t, f.m.IsRunning())
	assert.ErrorIs(t, f.m.Stop(), ErrManagerNotRunning)
	assert.Equal(t, 0, relay.Subscribers("me"))
}

// An outgoing call reaches connected after the remote
// acknowledgement, and the remote stream appears only once connected.
func TestOutgoingCallConnects(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	f := newFixture(t, "me", relay, newFakeNetwork())

	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1", Name: "Jane"}, KindVideo))
	assert.Equal(t, StatusCalling, f.m.Status())
	assert.Nil(t, f.m.State().RemoteStream)

	invite := waitEnvelope(t, relay, signaling.TypeInvite)
	var payload signaling.InvitePayload
	require.NoError(t, invite.Decode(&payload))
	assert.Equal(t, "me", payload.Caller.ID)
	assert.Equal(t, "video", payload.Kind)
	assert.Equal(t, webrtc.SDPTypeOffer, payload.Offer.Type)

	id := invite.SessionID
	sendEnvelope(t, relay, id, signaling.TypeRinging, id, "c1", 1, nil)
	waitStatus(t, f.m, StatusRinging)
	assert.Nil(t, f.m.State().RemoteStream)

	sendEnvelope(t, relay, id, signaling.TypeAnswer, id, "c1", 2, signaling.DescriptionPayload{
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:c1"},
	})
	waitStatus(t, f.m, StatusConnected)
	require.Eventually(t, func() bool { return f.m.State().RemoteStream != nil }, time.Second, 5*time.Millisecond)

	for _, st := range f.states.all() {
		if st.RemoteStream != nil {
			assert.Equal(t, StatusConnected, st.Status)
		}
	}

	st := f.m.State()
	require.NotNil(t, st.Session)
	assert.Equal(t, "Jane", st.Session.Recipient.Name)
	assert.Equal(t, DirectionOutgoing, st.Session.Direction)
	assert.True(t, st.AudioEnabled)
	assert.True(t, st.VideoEnabled)
	assert.False(t, st.Session.ConnectedAt.IsZero())
}

// Accepting without an incoming call is rejected and touches no
// device.
func TestAcceptWhileIdle(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())

	err := f.m.AcceptCall(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.device.Requests())
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, StatusIdle, f.m.Status())
}

// A permission denial during setup returns to idle with nothing
// acquired and surfaces the device error.
func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	f.device.FailNext(&media.DeviceError{Name: "NotAllowedError", Message: "denied"})

	err := f.m.InitiateCall(context.Background(), Participant{ID: "c1", Name: "Jane"}, KindVideo)
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	assert.Equal(t, StatusIdle, f.m.Status())
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.device.OpenSources())
	assert.Equal(t, 0, f.net.Live())
	require.Eventually(t, func() bool {
		return f.notes.has(NotifyError, media.ErrPermissionDenied)
	}, time.Second, 5*time.Millisecond)
}

// Recording is refused while idle and captures slices while
// connected.
func TestRecording(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())

	assert.ErrorIs(t, f.m.StartRecording(), ErrNotConnected)
	_, err := f.m.StopRecording()
	assert.ErrorIs(t, err, recorder.ErrNotRecording)

	connectOutgoing(t, f, KindVideo)

	require.NoError(t, f.m.StartRecording())
	assert.True(t, f.m.State().Recording)
	assert.ErrorIs(t, f.m.StartRecording(), recorder.ErrAlreadyRecording)

	rec := recorderOf(f.m)
	require.NotNil(t, rec)
	require.Eventually(t, func() bool { return rec.Slices() >= 1 }, time.Second, 5*time.Millisecond)

	artifact, err := f.m.StopRecording()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(artifact.Name, "recording-"))
	assert.Equal(t, "video/webm;codecs=vp8,opus", artifact.MimeType)
	assert.Positive(t, artifact.Size)
	assert.Contains(t, f.sink.Names(), artifact.Name)
	assert.False(t, f.m.State().Recording)
	require.NotNil(t, f.m.State().LastRecording)
}

func TestRecordingFinalizedOnCallEnd(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindVideo)

	require.NoError(t, f.m.StartRecording())
	rec := recorderOf(f.m)
	require.Eventually(t, func() bool { return rec.Slices() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.EndCall())
	assert.Equal(t, StatusIdle, f.m.Status())
	require.Eventually(t, func() bool { return len(f.sink.Names()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.m.State().LastRecording != nil }, time.Second, 5*time.Millisecond)
}

func TestRecordingStartRacingCallEnd(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
		connectOutgoing(t, f, KindVideo)
		rec := recorderOf(f.m)
		require.NotNil(t, rec)

		start := make(chan struct{})
		ended := make(chan struct{})
		go func() {
			defer close(ended)
			<-start
			_ = f.m.EndCall()
		}()
		close(start)
		_ = f.m.StartRecording()
		<-ended

		assert.Equal(t, StatusIdle, f.m.Status())
		require.Eventually(t, func() bool { return !rec.Recording() }, time.Second, 5*time.Millisecond)
		assert.False(t, f.notes.has(NotifyWarning, recorder.ErrNotRecording))
	}
}

func TestAtMostOneSession(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	f.m.SetGroupDriver(NewSimulatedDriver(1))

	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1"}, KindAudio))
	assert.ErrorIs(t, f.m.InitiateCall(context.Background(), Participant{ID: "c2"}, KindAudio), ErrCallAlreadyActive)
	assert.ErrorIs(t, f.m.InitiateGroupCall(context.Background(), []Participant{{ID: "c2"}}, KindAudio), ErrCallAlreadyActive)
	assert.Len(t, f.device.Requests(), 1)
}

func TestInitiateCallValidation(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	ctx := context.Background()

	assert.ErrorIs(t, f.m.InitiateCall(ctx, Participant{}, KindAudio), ErrInvalidParticipant)
	assert.ErrorIs(t, f.m.InitiateCall(ctx, Participant{ID: "me"}, KindAudio), ErrSelfCall)
	assert.ErrorIs(t, f.m.InitiateCall(ctx, Participant{ID: "c1"}, Kind("hologram")), ErrInvalidKind)
	assert.Equal(t, StatusIdle, f.m.Status())
}

func TestEndCallReleasesEverything(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindVideo)
	require.Eventually(t, func() bool { return f.m.State().RemoteStream != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.EndCall())

	st := f.m.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Nil(t, st.Session)
	assert.Nil(t, st.LocalStream)
	assert.Nil(t, st.RemoteStream)
	assert.Equal(t, QualityDisconnected, st.Quality)
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.net.Live())
	assert.Equal(t, 0, f.m.LiveTransports())
	assert.Len(t, f.relay.SentOfType(signaling.TypeHangup), 1)

	assert.ErrorIs(t, f.m.EndCall(), ErrNoActiveCall)
	assert.ErrorIs(t, f.m.RejectCall(), ErrNoActiveCall)
}

func TestCleanupIdempotentAndConcurrent(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	id := connectOutgoing(t, f, KindVideo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.cleanup(id, trigLocalEnd, nil)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.m.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	f.m.cleanup(id, trigLocalEnd, nil)
	f.m.cleanup("", trigLocalEnd, nil)

	assert.Equal(t, StatusIdle, f.m.Status())
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.net.Live())
}

func TestSetupCancelledByContext(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	f.device.Delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.m.InitiateCall(ctx, Participant{ID: "c1"}, KindVideo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallCancelled)
	assert.Equal(t, StatusIdle, f.m.Status())
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.device.OpenSources())
	assert.Equal(t, 0, f.net.Live())
}

func TestEndCallDuringSetup(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	f.device.Delay = 200 * time.Millisecond

	result := make(chan error, 1)
	go func() {
		result <- f.m.InitiateCall(context.Background(), Participant{ID: "c1"}, KindVideo)
	}()
	waitStatus(t, f.m, StatusCalling)

	require.NoError(t, f.m.EndCall())
	assert.Equal(t, StatusIdle, f.m.Status())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrCallCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("InitiateCall did not return after EndCall")
	}
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.device.OpenSources())
}

func TestDemoRingDelay(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork(), func(c *Config) {
		c.DemoRingDelay = 30 * time.Millisecond
	})

	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1"}, KindAudio))
	waitStatus(t, f.m, StatusRinging)
}

func TestSignalTimeoutEndsOutgoingCall(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork(), func(c *Config) {
		c.SignalTimeout = 100 * time.Millisecond
	})

	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "nobody"}, KindAudio))
	waitStatus(t, f.m, StatusIdle)
	assert.Equal(t, 0, f.acq.LiveTracks())
	assert.Equal(t, 0, f.net.Live())
	require.Eventually(t, func() bool { return f.notes.has(NotifyWarning, ErrSignalTimeout) }, time.Second, 5*time.Millisecond)
}

func TestRemoteRejectAndBusy(t *testing.T) {
	for _, typ := range []signaling.Type{signaling.TypeReject, signaling.TypeBusy, signaling.TypeHangup} {
		t.Run(string(typ), func(t *testing.T) {
			relay := signaling.NewMemoryRelay()
			f := newFixture(t, "me", relay, newFakeNetwork())

			require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1"}, KindAudio))
			invite := waitEnvelope(t, relay, signaling.TypeInvite)
			sendEnvelope(t, relay, invite.SessionID, typ, invite.SessionID, "c1", 1, nil)

			waitStatus(t, f.m, StatusIdle)
			assert.Equal(t, 0, f.acq.LiveTracks())
			assert.Equal(t, 0, f.net.Live())
		})
	}
}

func TestIncomingCallRejected(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	f := newFixture(t, "me", relay, newFakeNetwork())

	var incoming []CallSession
	var mu sync.Mutex
	f.m.SetIncomingCallCallback(func(s CallSession) {
		mu.Lock()
		defer mu.Unlock()
		incoming = append(incoming, s)
	})

	sendEnvelope(t, relay, "me", signaling.TypeInvite, "s1", "c1", 1, signaling.InvitePayload{
		Caller: signaling.Peer{ID: "c1", Name: "Jane"},
		Kind:   "video",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:x"},
	})
	waitStatus(t, f.m, StatusRinging)
	waitEnvelope(t, relay, signaling.TypeRinging)

	mu.Lock()
	require.Len(t, incoming, 1)
	assert.Equal(t, "Jane", incoming[0].Caller.Name)
	assert.Equal(t, DirectionIncoming, incoming[0].Direction)
	assert.Equal(t, KindVideo, incoming[0].Kind)
	mu.Unlock()

	assert.Empty(t, f.device.Requests())
	require.NoError(t, f.m.RejectCall())
	assert.Equal(t, StatusIdle, f.m.Status())
	reject := waitEnvelope(t, relay, signaling.TypeReject)
	assert.Equal(t, "s1", reject.SessionID)
}

func TestIncomingCallIgnoresDuplicatesAndGarbage(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	relay.Duplicate = true
	f := newFixture(t, "me", relay, newFakeNetwork())

	var count int
	var mu sync.Mutex
	f.m.SetIncomingCallCallback(func(CallSession) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, relay.Send(context.Background(), "me", signaling.Envelope{
		Type: signaling.TypeInvite, SessionID: "bad", From: "c9", Seq: 1, Payload: []byte(`{"caller":`),
	}))
	sendEnvelope(t, relay, "me", signaling.TypeInvite, "s1", "c1", 1, signaling.InvitePayload{
		Caller: signaling.Peer{ID: "c1"},
		Kind:   "audio",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:x"},
	})
	waitStatus(t, f.m, StatusRinging)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
	assert.Equal(t, "s1", f.m.State().Session.ID)
}

func TestIncomingCallMissedAfterTimeout(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	f := newFixture(t, "me", relay, newFakeNetwork(), func(c *Config) {
		c.SignalTimeout = 80 * time.Millisecond
	})

	sendEnvelope(t, relay, "me", signaling.TypeInvite, "s1", "c1", 1, signaling.InvitePayload{
		Caller: signaling.Peer{ID: "c1", Name: "Jane"},
		Kind:   "audio",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:x"},
	})
	waitStatus(t, f.m, StatusRinging)
	waitStatus(t, f.m, StatusIdle)
	assert.ErrorIs(t, f.m.AcceptCall(context.Background()), ErrInvalidState)
}

func TestLateAcceptIsNotMissed(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	f := newFixture(t, "me", relay, newFakeNetwork(), func(c *Config) {
		c.SignalTimeout = 150 * time.Millisecond
	})

	sendEnvelope(t, relay, "me", signaling.TypeInvite, "s1", "c1", 1, signaling.InvitePayload{
		Caller: signaling.Peer{ID: "c1", Name: "Jane"},
		Kind:   "audio",
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:x"},
	})
	waitStatus(t, f.m, StatusRinging)

	// Accept late enough that media setup outlives the ringing window.
	time.Sleep(100 * time.Millisecond)
	f.device.Delay = 150 * time.Millisecond
	require.NoError(t, f.m.AcceptCall(context.Background()))
	assert.Equal(t, StatusConnected, f.m.Status())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusConnected, f.m.Status())
	assert.False(t, f.notes.has(NotifyInfo, ErrSignalTimeout))
	require.NoError(t, f.m.EndCall())
}

func TestTwoManagersFullCall(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	net := newFakeNetwork()
	alice := newFixture(t, "alice", relay, net)
	bob := newFixture(t, "bob", relay, net)

	accepted := make(chan error, 1)
	bob.m.SetIncomingCallCallback(func(CallSession) {
		go func() { accepted <- bob.m.AcceptCall(context.Background()) }()
	})

	var chats []ChatMessage
	var chatMu sync.Mutex
	bob.m.SetChatCallback(func(msg ChatMessage) {
		chatMu.Lock()
		defer chatMu.Unlock()
		chats = append(chats, msg)
	})

	require.NoError(t, alice.m.InitiateCall(context.Background(), Participant{ID: "bob", Name: "Bob"}, KindVideo))
	waitStatus(t, bob.m, StatusConnected)
	require.NoError(t, <-accepted)
	waitStatus(t, alice.m, StatusConnected)

	assert.Equal(t, alice.m.State().Session.ID, bob.m.State().Session.ID)
	assert.Equal(t, "alice", bob.m.State().Session.Caller.ID)

	require.NoError(t, alice.m.SendMessage("hello bob"))
	require.Eventually(t, func() bool {
		chatMu.Lock()
		defer chatMu.Unlock()
		return len(chats) == 1
	}, time.Second, 5*time.Millisecond)
	chatMu.Lock()
	assert.Equal(t, "hello bob", chats[0].Content)
	assert.Equal(t, "alice", chats[0].From.ID)
	chatMu.Unlock()
	assert.Len(t, alice.m.State().Messages, 1)
	assert.True(t, alice.m.State().Messages[0].Local)

	require.NoError(t, bob.m.EndCall())
	waitStatus(t, alice.m, StatusIdle)
	assert.Equal(t, StatusIdle, bob.m.Status())
	assert.Equal(t, 0, alice.acq.LiveTracks())
	assert.Equal(t, 0, bob.acq.LiveTracks())
	assert.Equal(t, 0, net.Live())
}

func TestBusyWhileInCall(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	net := newFakeNetwork()
	alice := newFixture(t, "alice", relay, net)
	bob := newFixture(t, "bob", relay, net)
	carol := newFixture(t, "carol", relay, net)

	bob.m.SetIncomingCallCallback(func(CallSession) {
		go func() { _ = bob.m.AcceptCall(context.Background()) }()
	})

	require.NoError(t, alice.m.InitiateCall(context.Background(), Participant{ID: "bob"}, KindAudio))
	waitStatus(t, alice.m, StatusConnected)

	require.NoError(t, carol.m.InitiateCall(context.Background(), Participant{ID: "bob"}, KindAudio))
	waitStatus(t, carol.m, StatusIdle)
	assert.Equal(t, StatusConnected, bob.m.Status())
	assert.Equal(t, alice.m.State().Session.ID, bob.m.State().Session.ID)
	assert.NotEmpty(t, relay.SentOfType(signaling.TypeBusy))
}

func TestToggleInvolution(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())

	assert.ErrorIs(t, f.m.ToggleVideo(), ErrNoActiveCall)
	connectOutgoing(t, f, KindVideo)

	before := f.m.State()
	require.NoError(t, f.m.ToggleVideo())
	assert.False(t, f.m.State().VideoEnabled)
	require.NoError(t, f.m.ToggleVideo())
	assert.Equal(t, before.VideoEnabled, f.m.State().VideoEnabled)

	require.NoError(t, f.m.ToggleAudio())
	assert.False(t, f.m.State().AudioEnabled)
	require.NoError(t, f.m.ToggleAudio())
	assert.Equal(t, before.AudioEnabled, f.m.State().AudioEnabled)

	assert.Equal(t, 2, f.acq.LiveTracks(), "toggling must not stop tracks")
}

func TestToggleVideoOnAudioCall(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindAudio)
	assert.ErrorIs(t, f.m.ToggleVideo(), ErrNoVideoTrack)
}

func TestToggleSendsMediaControl(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	net := newFakeNetwork()
	alice := newFixture(t, "alice", relay, net)
	bob := newFixture(t, "bob", relay, net)
	bob.m.SetIncomingCallCallback(func(CallSession) {
		go func() { _ = bob.m.AcceptCall(context.Background()) }()
	})

	require.NoError(t, alice.m.InitiateCall(context.Background(), Participant{ID: "bob"}, KindVideo))
	waitStatus(t, alice.m, StatusConnected)

	require.NoError(t, alice.m.ToggleVideo())
	sent := transportOf(t, alice.m).sentMessages()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, peer.MessageMediaControl, last.Type)
	assert.Equal(t, peer.ActionVideoOff, last.Action)
}

func TestScreenShareRoundTrip(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	assert.ErrorIs(t, f.m.ToggleScreenShare(context.Background()), ErrNoActiveCall)

	connectOutgoing(t, f, KindVideo)
	camera := f.m.State().LocalStream.VideoTrack()
	require.NotNil(t, camera)

	require.NoError(t, f.m.ToggleScreenShare(context.Background()))
	assert.True(t, f.m.State().ScreenSharing)
	ft := transportOf(t, f.m)
	replaced := ft.replacedTracks()
	require.Len(t, replaced, 1)
	assert.NotEqual(t, camera.ID(), replaced[0].ID())
	assert.True(t, camera.Live(), "camera stays live while sharing")

	require.NoError(t, f.m.ToggleScreenShare(context.Background()))
	assert.False(t, f.m.State().ScreenSharing)
	replaced = ft.replacedTracks()
	require.Len(t, replaced, 2)
	assert.Equal(t, camera.ID(), replaced[1].ID())
}

func TestScreenShareEndedByUser(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindVideo)

	require.NoError(t, f.m.ToggleScreenShare(context.Background()))
	f.device.EndDisplay()

	require.Eventually(t, func() bool { return !f.m.State().ScreenSharing }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, f.m.Status())
}

func TestScreenShareNeedsConnectedCall(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	require.NoError(t, f.m.InitiateCall(context.Background(), Participant{ID: "c1"}, KindVideo))
	assert.ErrorIs(t, f.m.ToggleScreenShare(context.Background()), ErrNotConnected)
}

func TestTrackEndedKeepsCallAlive(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindVideo)

	f.device.EndKind(media.KindVideo)
	require.Eventually(t, func() bool { return !f.m.State().VideoEnabled }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, f.m.Status())
	require.Eventually(t, func() bool { return f.notes.has(NotifyWarning, media.ErrSourceEnded) }, time.Second, 5*time.Millisecond)
}

func TestICERestartRecovers(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindAudio)
	ft := transportOf(t, f.m)

	ft.emit(peer.Event{Type: peer.EventError, Err: peer.ErrICEFailed})
	require.Eventually(t, func() bool { return ft.restartCount() == 1 }, time.Second, 5*time.Millisecond)
	ft.emit(peer.Event{Type: peer.EventConnect})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StatusConnected, f.m.Status())
}

func TestICERestartGivesUp(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindAudio)
	ft := transportOf(t, f.m)

	ft.emit(peer.Event{Type: peer.EventError, Err: peer.ErrICEFailed})
	waitStatus(t, f.m, StatusIdle)
	assert.Equal(t, 1, ft.restartCount())
	assert.True(t, ft.isClosed())
}

func TestUnrecoverableErrorAfterGrace(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork(), func(c *Config) {
		c.ErrorGracePeriod = 100 * time.Millisecond
	})
	connectOutgoing(t, f, KindAudio)
	ft := transportOf(t, f.m)

	ft.emit(peer.Event{Type: peer.EventError, Err: peer.ErrTransportClosed})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatusConnected, f.m.Status())
	waitStatus(t, f.m, StatusIdle)
	assert.Equal(t, 0, ft.restartCount())
	assert.Equal(t, 0, f.acq.LiveTracks())
}

func TestTransportCloseCleansUp(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	connectOutgoing(t, f, KindVideo)

	transportOf(t, f.m).emit(peer.Event{Type: peer.EventClose})
	waitStatus(t, f.m, StatusIdle)
	assert.Equal(t, 0, f.acq.LiveTracks())
}

func TestQualityTracksStats(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	assert.Equal(t, QualityDisconnected, f.m.State().Quality)

	connectOutgoing(t, f, KindAudio)
	ft := transportOf(t, f.m)
	require.Eventually(t, func() bool { return f.m.State().Quality == QualityExcellent }, time.Second, 5*time.Millisecond)

	ft.setStats(peer.Stats{State: webrtc.PeerConnectionStateConnected, LossRate: 0.2}, nil)
	require.Eventually(t, func() bool { return f.m.State().Quality == QualityPoor }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.EndCall())
	assert.Equal(t, QualityDisconnected, f.m.State().Quality)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork(), func(c *Config) {
		c.ChatBurst = 2
		c.ChatRateLimit = 0.01
	})

	assert.ErrorIs(t, f.m.SendMessage("hi"), ErrNoActiveCall)
	connectOutgoing(t, f, KindAudio)

	assert.ErrorIs(t, f.m.SendMessage(""), limits.ErrMessageEmpty)
	assert.ErrorIs(t, f.m.SendMessage(strings.Repeat("x", limits.MaxChatMessage+1)), limits.ErrMessageTooLarge)

	// The scripted remote never opened a data channel, but each attempt
	// still spends a token.
	assert.ErrorIs(t, f.m.SendMessage("hi"), peer.ErrChannelNotOpen)
	assert.ErrorIs(t, f.m.SendMessage("hi"), peer.ErrChannelNotOpen)
	assert.ErrorIs(t, f.m.SendMessage("hi"), ErrRateLimited)
	assert.Empty(t, f.m.State().Messages)
}

func TestStateDuration(t *testing.T) {
	f := newFixture(t, "me", signaling.NewMemoryRelay(), newFakeNetwork())
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	f.m.SetTimeProvider(clock)

	connectOutgoing(t, f, KindAudio)
	clock.advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, f.m.State().Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
