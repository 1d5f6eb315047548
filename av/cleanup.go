package av

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/av/screenshare"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// callResources holds everything one session has obtained. Fields are
// guarded by Manager.mu; release runs each step at most once.
type callResources struct {
	ctx    context.Context
	cancel context.CancelFunc

	dedup signaling.Deduper

	// offer is the caller's description of an incoming call.
	offer *webrtc.SessionDescription

	local     *media.Stream
	transport peer.Transport
	remote    *peer.RemoteStream
	group     *GroupCoordinator
	screen    *screenshare.Controller
	recorder  *recorder.Recorder
	monitor   *QualityMonitor

	unsubscribe func()
	signalTimer *time.Timer
	timers      []*time.Timer

	// pendingControl holds media-control state received before the remote
	// stream arrived.
	pendingControl map[media.Kind]bool

	inviteSent   bool
	answerSent   bool
	accepting    bool
	restarted    bool
	reconnecting bool
	failing      bool
	released     bool

	cancelOnce      sync.Once
	timersOnce      sync.Once
	unsubscribeOnce sync.Once
	screenOnce      sync.Once
	recorderOnce    sync.Once
	transportOnce   sync.Once
	groupOnce       sync.Once
	mediaOnce       sync.Once
}

func newCallResources(rec *recorder.Recorder, screen *screenshare.Controller) *callResources {
	ctx, cancel := context.WithCancel(context.Background())
	return &callResources{
		ctx:            ctx,
		cancel:         cancel,
		recorder:       rec,
		screen:         screen,
		pendingControl: make(map[media.Kind]bool),
	}
}

// release frees every resource. It snapshots the fields under mu so that a
// concurrent setup step that attaches late is caught by the released flag
// instead.
func (r *callResources) release(mu *sync.RWMutex, finalize func(recorder.Artifact, error)) {
	mu.Lock()
	r.released = true
	unsubscribe := r.unsubscribe
	timers := append([]*time.Timer(nil), r.timers...)
	if r.signalTimer != nil {
		timers = append(timers, r.signalTimer)
	}
	transport := r.transport
	group := r.group
	local := r.local
	mu.Unlock()

	r.cancelOnce.Do(r.cancel)

	r.timersOnce.Do(func() {
		for _, t := range timers {
			t.Stop()
		}
	})

	if unsubscribe != nil {
		r.unsubscribeOnce.Do(unsubscribe)
	}

	r.recorderOnce.Do(func() {
		if r.recorder == nil || !r.recorder.Recording() {
			return
		}
		rec := r.recorder
		go func() {
			artifact, err := rec.Stop()
			finalize(artifact, err)
		}()
	})

	if transport != nil {
		r.transportOnce.Do(func() {
			if err := transport.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "release",
					"error":    err.Error(),
				}).Warn("Transport close failed")
			}
		})
	}

	if group != nil {
		r.groupOnce.Do(group.Close)
	}

	r.screenOnce.Do(func() {
		if r.screen != nil {
			r.screen.Reset()
		}
	})

	if local != nil {
		r.mediaOnce.Do(local.Stop)
	}
}

// attachable reports whether setup may still hand resources to r. Callers
// hold Manager.mu.
func (r *callResources) attachable() bool {
	return !r.released && r.ctx.Err() == nil
}
