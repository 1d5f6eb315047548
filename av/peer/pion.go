package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/limits"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	dataChannelLabel = "data"
	eventBufferSize  = 32
)

// PionFactory creates transports backed by pion PeerConnections.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory creates a factory with the default codecs and interceptors
// (NACK, RTCP reports, TWCC).
func NewPionFactory(iceServers []webrtc.ICEServer) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &PionFactory{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		iceServers: iceServers,
	}, nil
}

// Create implements Factory. The initiator's offer is emitted as an
// EventSignal once candidate gathering completes.
func (f *PionFactory) Create(ctx context.Context, opts Options) (Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &pionTransport{
		pc:        pc,
		label:     opts.Label,
		initiator: opts.Initiator,
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
	}

	if opts.Local != nil {
		for _, track := range opts.Local.Tracks() {
			sender, err := pc.AddTrack(track.Local())
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			go drainRTCP(sender)
			if track.Kind() == media.KindVideo && t.videoSender == nil {
				t.videoSender = sender
			}
		}
	}

	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)

	if opts.Initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.attachDataChannel(dc)

		go func() {
			if err := t.negotiate(ctx, nil); err != nil {
				t.emit(Event{Type: EventError, Err: err})
			}
		}()
	} else {
		pc.OnDataChannel(t.attachDataChannel)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "PionFactory.Create",
		"label":     opts.Label,
		"initiator": opts.Initiator,
	}).Debug("Peer transport created")

	return t, nil
}

// drainRTCP reads incoming RTCP so interceptors can process it.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionTransport struct {
	pc          *webrtc.PeerConnection
	label       string
	initiator   bool
	videoSender *webrtc.RTPSender

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	remote       *RemoteStream
	negotiateMu  sync.Mutex
	lastLost     int64
	lastReceived int64
}

func (t *pionTransport) Events() <-chan Event  { return t.events }
func (t *pionTransport) Done() <-chan struct{} { return t.done }

func (t *pionTransport) emit(ev Event) {
	select {
	case <-t.done:
	case t.events <- ev:
	}
}

func (t *pionTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// negotiate creates the local description (an offer, or an answer to
// remote), waits for gathering and emits the result.
func (t *pionTransport) negotiate(ctx context.Context, remote *webrtc.SessionDescription) error {
	t.negotiateMu.Lock()
	defer t.negotiateMu.Unlock()

	if t.closed() {
		return ErrTransportClosed
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if remote != nil {
		if err := t.pc.SetRemoteDescription(*remote); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		desc, err = t.pc.CreateAnswer(nil)
	} else {
		var opts *webrtc.OfferOptions
		if t.pc.RemoteDescription() != nil {
			opts = &webrtc.OfferOptions{ICERestart: true}
		}
		desc, err = t.pc.CreateOffer(opts)
	}
	if err != nil {
		return fmt.Errorf("create description: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return fmt.Errorf("local description missing after gathering")
	}

	logrus.WithFields(logrus.Fields{
		"function": "pionTransport.negotiate",
		"label":    t.label,
		"type":     local.Type.String(),
	}).Debug("Local description ready")

	t.emit(Event{Type: EventSignal, Description: *local})
	return nil
}

func (t *pionTransport) Signal(ctx context.Context, desc webrtc.SessionDescription) error {
	if t.closed() {
		return ErrTransportClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if t.initiator {
			return fmt.Errorf("%w: initiator received an offer", ErrUnexpectedDescription)
		}
		return t.negotiate(ctx, &desc)
	case webrtc.SDPTypeAnswer:
		if !t.initiator {
			return fmt.Errorf("%w: answerer received an answer", ErrUnexpectedDescription)
		}
		if err := t.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedDescription, desc.Type)
	}
}

func (t *pionTransport) attachDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != dataChannelLabel {
		return
	}
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := limits.ValidateDataChannelMessage(msg.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pionTransport.OnMessage",
				"label":    t.label,
				"error":    err.Error(),
			}).Warn("Dropping data message")
			return
		}
		parsed, err := ParseDataMessage(msg.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pionTransport.OnMessage",
				"label":    t.label,
				"error":    err.Error(),
			}).Debug("Ignoring data message")
			return
		}
		t.emit(Event{Type: EventData, Message: parsed})
	})
}

func (t *pionTransport) Send(msg DataMessage) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if t.closed() || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode data message: %w", err)
	}
	if err := limits.ValidateDataChannelMessage(data); err != nil {
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send data message: %w", err)
	}
	return nil
}

func (t *pionTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "pionTransport.handleConnectionState",
		"label":    t.label,
		"state":    state.String(),
	}).Info("Peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		t.emit(Event{Type: EventConnect})
	case webrtc.PeerConnectionStateFailed:
		t.emit(Event{Type: EventError, Err: ErrICEFailed})
	case webrtc.PeerConnectionStateClosed:
		t.emit(Event{Type: EventClose})
	}
}

func (t *pionTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := media.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	remote := newRemoteTrack(track.ID(), kind, track.Codec().RTPCodecCapability, uint32(track.SSRC()))

	t.mu.Lock()
	first := t.remote == nil
	if first {
		t.remote = NewRemoteStream(track.StreamID())
	}
	stream := t.remote
	t.mu.Unlock()

	stream.AddTrack(remote)
	go remote.readRTP(track)

	logrus.WithFields(logrus.Fields{
		"function": "pionTransport.handleTrack",
		"label":    t.label,
		"kind":     kind,
		"codec":    remote.codec.MimeType,
	}).Info("Remote track received")

	if kind == media.KindVideo {
		_ = t.RequestKeyframe()
	}
	if first {
		t.emit(Event{Type: EventStream, Stream: stream})
	}
}

func (t *pionTransport) ReplaceVideoTrack(ctx context.Context, track *media.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed() {
		return ErrTransportClosed
	}
	if t.videoSender == nil {
		return ErrNoVideoSender
	}
	if err := t.videoSender.ReplaceTrack(track.Local()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

func (t *pionTransport) Restart(ctx context.Context) error {
	if !t.initiator {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "pionTransport.Restart",
		"label":    t.label,
	}).Info("Restarting ICE")
	return t.negotiate(ctx, nil)
}

func (t *pionTransport) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if t.closed() {
		return Stats{}, ErrTransportClosed
	}

	stats := Stats{State: t.pc.ConnectionState()}
	var lost, received int64
	for _, s := range t.pc.GetStats() {
		switch s := s.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.CurrentRoundTripTime > 0 {
				stats.RTT = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			lost += int64(s.PacketsLost)
			received += int64(s.PacketsReceived)
		}
	}

	t.mu.Lock()
	dLost := lost - t.lastLost
	dReceived := received - t.lastReceived
	t.lastLost, t.lastReceived = lost, received
	t.mu.Unlock()

	if dLost < 0 {
		dLost = 0
	}
	if total := dLost + dReceived; total > 0 {
		stats.LossRate = float64(dLost) / float64(total)
	}
	return stats, nil
}

func (t *pionTransport) RequestKeyframe() error {
	t.mu.Lock()
	stream := t.remote
	t.mu.Unlock()
	if stream == nil {
		return nil
	}

	var packets []rtcp.Packet
	for _, track := range stream.Tracks() {
		if track.Kind() == media.KindVideo {
			packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: track.SSRC()})
		}
	}
	if len(packets) == 0 {
		return nil
	}
	if err := t.pc.WriteRTCP(packets); err != nil {
		return fmt.Errorf("send PLI: %w", err)
	}
	return nil
}

func (t *pionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()

		logrus.WithFields(logrus.Fields{
			"function": "pionTransport.Close",
			"label":    t.label,
		}).Debug("Peer transport closed")
	})
	return err
}
