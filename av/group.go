package av

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ConnectionDriver connects the local stream to one group participant.
type ConnectionDriver interface {
	// Dial blocks until the participant is connected, ctx is done or the
	// attempt fails.
	Dial(ctx context.Context, sessionID string, p Participant, local *media.Stream) (Leg, error)
}

// Leg is one established group connection.
type Leg interface {
	// Done is closed when the participant disconnects.
	Done() <-chan struct{}
	// AudioLevel returns the participant's current loudness in [0, 1].
	AudioLevel() float64
	Send(msg peer.DataMessage) error
	Stats(ctx context.Context) (peer.Stats, error)
	ReplaceVideoTrack(ctx context.Context, track *media.Track) error
	// RemoteStream returns the participant's media, or nil.
	RemoteStream() *peer.RemoteStream
	// OnMessage registers a handler for chat and other data-channel
	// messages the leg does not consume itself.
	OnMessage(fn func(peer.DataMessage))
	Close() error
}

type rosterSlot struct {
	entry RosterEntry
	leg   Leg
}

// GroupCoordinator tracks the roster of a group call. Each participant is
// dialled independently; the coordinator reports changes through onChange
// and never calls back into the manager synchronously.
type GroupCoordinator struct {
	driver    ConnectionDriver
	config    Config
	sessionID string
	local     *media.Stream
	onChange  func()
	onData    func(Participant, peer.DataMessage)

	ctx    context.Context
	cancel context.CancelFunc
	// dialSlots bounds concurrent driver dials; an established leg no
	// longer holds a slot.
	dialSlots *semaphore.Weighted
	// legs counts dial goroutines. Add only under mu while !closed.
	legs sync.WaitGroup

	mu     sync.RWMutex
	slots  []*rosterSlot
	closed bool
}

// NewGroupCoordinator creates a coordinator for one group session.
func NewGroupCoordinator(driver ConnectionDriver, config Config, sessionID string, local *media.Stream, onChange func()) *GroupCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	g := &GroupCoordinator{
		driver:    driver,
		config:    config,
		sessionID: sessionID,
		local:     local,
		onChange:  onChange,
		ctx:       ctx,
		cancel:    cancel,
		dialSlots: semaphore.NewWeighted(int64(config.GroupDialConcurrency)),
	}
	return g
}

// OnData registers a handler for data-channel messages from participants.
func (g *GroupCoordinator) OnData(fn func(Participant, peer.DataMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onData = fn
}

// Start invites every participant and dials them in the background.
func (g *GroupCoordinator) Start(participants []Participant) error {
	if len(participants) == 0 {
		return ErrEmptyRoster
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrNoActiveCall
	}
	added := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if g.findLocked(p.ID) != nil {
			continue
		}
		g.slots = append(g.slots, &rosterSlot{entry: newRosterEntry(p)})
		added = append(added, p)
	}
	g.legs.Add(len(added))
	g.mu.Unlock()

	g.changed()
	for _, p := range added {
		go g.dial(p)
	}
	return nil
}

// Add invites one more participant.
func (g *GroupCoordinator) Add(p Participant) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrNoActiveCall
	}
	if g.findLocked(p.ID) != nil {
		g.mu.Unlock()
		return ErrAlreadyInRoster
	}
	g.slots = append(g.slots, &rosterSlot{entry: newRosterEntry(p)})
	g.legs.Add(1)
	g.mu.Unlock()

	g.changed()
	go g.dial(p)
	return nil
}

func newRosterEntry(p Participant) RosterEntry {
	return RosterEntry{
		Participant:  p,
		State:        RosterInvited,
		AudioEnabled: true,
		VideoEnabled: true,
	}
}

func (g *GroupCoordinator) findLocked(id string) *rosterSlot {
	for _, slot := range g.slots {
		if slot.entry.Participant.ID == id {
			return slot
		}
	}
	return nil
}

func (g *GroupCoordinator) setState(id string, state RosterState, leg Leg) bool {
	g.mu.Lock()
	slot := g.findLocked(id)
	if slot == nil || g.closed {
		g.mu.Unlock()
		return false
	}
	slot.entry.State = state
	slot.entry.IsConnected = state == RosterConnected
	if state != RosterConnected {
		slot.entry.IsSpeaking = false
		slot.entry.AudioLevel = 0
	}
	slot.leg = leg
	g.mu.Unlock()

	g.changed()
	return true
}

// dial connects p and then watches the leg until it ends or the
// coordinator closes. Only the driver dial holds a concurrency slot.
func (g *GroupCoordinator) dial(p Participant) {
	defer g.legs.Done()

	if err := g.dialSlots.Acquire(g.ctx, 1); err != nil {
		return
	}
	g.setState(p.ID, RosterConnecting, nil)
	leg, err := g.driver.Dial(g.ctx, g.sessionID, p, g.local)
	g.dialSlots.Release(1)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dial",
			"session_id":  g.sessionID,
			"participant": p.ID,
			"error":       err.Error(),
		}).Warn("Group participant could not be connected")
		g.setState(p.ID, RosterDisconnected, nil)
		return
	}

	leg.OnMessage(func(msg peer.DataMessage) {
		g.deliver(p, msg)
	})
	if !g.setState(p.ID, RosterConnected, leg) {
		leg.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "dial",
		"session_id":  g.sessionID,
		"participant": p.ID,
	}).Info("Group participant connected")

	select {
	case <-leg.Done():
		logrus.WithFields(logrus.Fields{
			"function":    "dial",
			"session_id":  g.sessionID,
			"participant": p.ID,
		}).Info("Group participant disconnected")
		leg.Close()
		g.setState(p.ID, RosterDisconnected, nil)
	case <-g.ctx.Done():
	}
}

func (g *GroupCoordinator) changed() {
	if g.onChange != nil {
		g.onChange()
	}
}

// deliver hands a leg's data message to the registered handler.
func (g *GroupCoordinator) deliver(p Participant, msg peer.DataMessage) {
	g.mu.RLock()
	fn := g.onData
	g.mu.RUnlock()
	if fn != nil {
		fn(p, msg)
	}
}

// Roster returns a copy of the roster in invitation order.
func (g *GroupCoordinator) Roster() []RosterEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roster := make([]RosterEntry, len(g.slots))
	for i, slot := range g.slots {
		entry := slot.entry
		if slot.leg != nil {
			if remote := slot.leg.RemoteStream(); remote != nil {
				if a := remote.Track(media.KindAudio); a != nil {
					entry.AudioEnabled = a.Enabled()
				}
				if v := remote.Track(media.KindVideo); v != nil {
					entry.VideoEnabled = v.Enabled()
				}
			}
		}
		roster[i] = entry
	}
	return roster
}

// AllConnected reports whether every roster entry is connected.
func (g *GroupCoordinator) AllConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.slots) == 0 {
		return false
	}
	for _, slot := range g.slots {
		if !slot.entry.IsConnected {
			return false
		}
	}
	return true
}

// AllFailed reports whether every roster entry ended disconnected.
func (g *GroupCoordinator) AllFailed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.slots) == 0 {
		return false
	}
	for _, slot := range g.slots {
		if slot.entry.State != RosterDisconnected {
			return false
		}
	}
	return true
}

func (g *GroupCoordinator) connectedLegs() []Leg {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var legs []Leg
	for _, slot := range g.slots {
		if slot.entry.IsConnected && slot.leg != nil {
			legs = append(legs, slot.leg)
		}
	}
	return legs
}

// SampleSpeaking refreshes the speaking flags. At most MaxSpeakers
// participants above the threshold are marked, loudest first.
func (g *GroupCoordinator) SampleSpeaking() {
	g.mu.Lock()
	type level struct {
		slot  *rosterSlot
		value float64
	}
	var levels []level
	for _, slot := range g.slots {
		slot.entry.IsSpeaking = false
		if !slot.entry.IsConnected || slot.leg == nil {
			continue
		}
		v := slot.leg.AudioLevel()
		slot.entry.AudioLevel = v
		if v > g.config.SpeakingThreshold {
			levels = append(levels, level{slot: slot, value: v})
		}
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].value > levels[j].value })
	for i, l := range levels {
		if i >= g.config.MaxSpeakers {
			break
		}
		l.slot.entry.IsSpeaking = true
	}
	g.mu.Unlock()

	g.changed()
}

// RunSpeaking samples speaking flags every SpeakingInterval until ctx is done.
func (g *GroupCoordinator) RunSpeaking(ctx context.Context) {
	ticker := time.NewTicker(g.config.SpeakingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.SampleSpeaking()
		}
	}
}

// Broadcast sends msg to every connected participant. It fails only when no
// participant accepted it.
func (g *GroupCoordinator) Broadcast(msg peer.DataMessage) error {
	legs := g.connectedLegs()
	if len(legs) == 0 {
		return peer.ErrChannelNotOpen
	}
	var errs []error
	for _, leg := range legs {
		if err := leg.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(legs) {
		return errors.Join(errs...)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video on every connected leg.
func (g *GroupCoordinator) ReplaceVideoTrack(ctx context.Context, track *media.Track) error {
	var errs []error
	for _, leg := range g.connectedLegs() {
		if err := leg.ReplaceVideoTrack(ctx, track); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports the worst loss and RTT across connected legs. The state is
// connected while at least one leg is.
func (g *GroupCoordinator) Stats(ctx context.Context) (peer.Stats, error) {
	legs := g.connectedLegs()
	if len(legs) == 0 {
		return peer.Stats{State: webrtc.PeerConnectionStateDisconnected}, nil
	}

	worst := peer.Stats{State: webrtc.PeerConnectionStateConnected}
	var failures int
	for _, leg := range legs {
		stats, err := leg.Stats(ctx)
		if err != nil {
			failures++
			continue
		}
		if stats.LossRate > worst.LossRate {
			worst.LossRate = stats.LossRate
		}
		if stats.RTT > worst.RTT {
			worst.RTT = stats.RTT
		}
	}
	if failures == len(legs) {
		return worst, fmt.Errorf("stats unavailable on all %d legs", failures)
	}
	return worst, nil
}

// FrameSources returns the media of every connected participant.
func (g *GroupCoordinator) FrameSources() []media.FrameSource {
	var sources []media.FrameSource
	for _, leg := range g.connectedLegs() {
		if remote := leg.RemoteStream(); remote != nil {
			sources = append(sources, remote.FrameSources()...)
		}
	}
	return sources
}

// Close hangs up every leg and waits for pending dials and watchers.
func (g *GroupCoordinator) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var legs []Leg
	for _, slot := range g.slots {
		if slot.leg != nil {
			legs = append(legs, slot.leg)
			slot.leg = nil
		}
		slot.entry.State = RosterDisconnected
		slot.entry.IsConnected = false
		slot.entry.IsSpeaking = false
	}
	g.mu.Unlock()

	g.cancel()
	for _, leg := range legs {
		if err := leg.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Close",
				"session_id": g.sessionID,
				"error":      err.Error(),
			}).Debug("Closing group leg failed")
		}
	}
	g.legs.Wait()
}

// InitiateGroupCall calls every participant at once over one shared local
// stream. The session connects when every roster entry is connected.
func (m *Manager) InitiateGroupCall(ctx context.Context, participants []Participant, kind Kind) error {
	if len(participants) == 0 {
		return ErrEmptyRoster
	}
	for _, p := range participants {
		if err := m.validateCallee(p); err != nil {
			return err
		}
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallAlreadyActive
	}
	driver := m.groupDriver
	if driver == nil {
		m.mu.Unlock()
		return ErrNoGroupDriver
	}
	session := CallSession{
		ID:        uuid.NewString(),
		Caller:    m.self,
		Recipient: Participant{ID: "group", Name: fmt.Sprintf("%d participants", len(participants))},
		Kind:      kind,
		StartedAt: m.timeProvider.Now(),
		Direction: DirectionOutgoing,
		Mode:      ModeGroup,
	}
	res := m.newSessionLocked(session)
	m.updateStatusLocked(m.session, trigInitiate)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "InitiateGroupCall",
		"session_id":   session.ID,
		"participants": len(participants),
		"kind":         string(kind),
	}).Info("Initiating group call")

	m.publishState()

	stop := context.AfterFunc(ctx, res.cancel)
	defer stop()

	if err := m.setupGroup(session.ID, res, driver, participants, kind); err != nil {
		m.failSetup(session.ID, err)
		return err
	}
	return nil
}

func (m *Manager) setupGroup(id string, res *callResources, driver ConnectionDriver, participants []Participant, kind Kind) error {
	stream, err := m.acquirer.Acquire(res.ctx, kind == KindVideo, true)
	if err != nil {
		return setupError(res, "acquire media", err)
	}
	if err := m.attachLocal(id, res, stream); err != nil {
		return err
	}

	group := NewGroupCoordinator(driver, m.config, id, stream, func() {
		m.queue.push(input{kind: inputRoster, sessionID: id})
	})
	group.OnData(func(p Participant, msg peer.DataMessage) {
		m.queue.push(input{kind: inputGroupData, sessionID: id, from: p, message: msg})
	})

	m.mu.Lock()
	if !res.attachable() {
		m.mu.Unlock()
		group.Close()
		return ErrCallCancelled
	}
	res.group = group
	res.signalTimer = m.startTimerLocked(res, id, m.config.SignalTimeout, inputSignalTimeout)
	ctx := res.ctx
	m.mu.Unlock()

	if err := group.Start(participants); err != nil {
		return setupError(res, "start group", err)
	}
	go group.RunSpeaking(ctx)
	return nil
}

// AddParticipantToCall invites p into the connected group call.
func (m *Manager) AddParticipantToCall(ctx context.Context, p Participant) error {
	if err := m.validateCallee(p); err != nil {
		return err
	}

	m.mu.RLock()
	if m.session == nil || m.call == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	if m.session.Mode != ModeGroup || m.call.group == nil {
		m.mu.RUnlock()
		return ErrNotGroupCall
	}
	if m.session.Status != StatusConnected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	id, group := m.session.ID, m.call.group
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := group.Add(p); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "AddParticipantToCall",
		"session_id":  id,
		"participant": p.ID,
	}).Info("Participant added to group call")
	return nil
}

func (m *Manager) handleRoster(id string) {
	m.mu.RLock()
	session, res, ok := m.current(id)
	var (
		status Status
		group  *GroupCoordinator
	)
	if ok {
		status, group = session.Status, res.group
	}
	m.mu.RUnlock()
	if !ok || group == nil {
		return
	}

	if status == StatusCalling {
		switch {
		case group.AllConnected():
			if m.apply(id, trigConnect) {
				return
			}
		case group.AllFailed():
			m.notify(NotifyError, "Nobody could be reached", nil)
			m.cleanup(id, trigSetupFailed, nil)
			return
		}
	}
	m.publishState()
}
