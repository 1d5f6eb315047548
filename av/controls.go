package av

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/limits"
	"github.com/sirupsen/logrus"
)

// ToggleVideo flips the enabled flag of the local video track and tells the
// remote side.
func (m *Manager) ToggleVideo() error {
	return m.toggle(media.KindVideo)
}

// ToggleAudio flips the enabled flag of the local audio track and tells the
// remote side.
func (m *Manager) ToggleAudio() error {
	return m.toggle(media.KindAudio)
}

func (m *Manager) toggle(kind media.Kind) error {
	m.mu.RLock()
	if m.session == nil || m.call == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	id := m.session.ID
	local, transport, group := m.call.local, m.call.transport, m.call.group
	m.mu.RUnlock()

	if local == nil {
		return ErrInvalidState
	}

	var track *media.Track
	if kind == media.KindVideo {
		if track = local.VideoTrack(); track == nil {
			return ErrNoVideoTrack
		}
	} else if track = local.AudioTrack(); track == nil {
		return ErrNoAudioTrack
	}

	enabled := !track.Enabled()
	track.SetEnabled(enabled)

	action := controlAction(kind, track.Enabled())
	if err := m.broadcast(transport, group, peer.MediaControl(action)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "toggle",
			"session_id": id,
			"action":     action,
			"error":      err.Error(),
		}).Debug("Media-control message not delivered")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "toggle",
		"session_id": id,
		"kind":       kind.String(),
		"enabled":    track.Enabled(),
	}).Info("Local track toggled")

	m.publishState()
	return nil
}

func controlAction(kind media.Kind, enabled bool) string {
	switch {
	case kind == media.KindVideo && enabled:
		return peer.ActionVideoOn
	case kind == media.KindVideo:
		return peer.ActionVideoOff
	case enabled:
		return peer.ActionAudioOn
	default:
		return peer.ActionAudioOff
	}
}

// ToggleScreenShare starts or stops sharing the screen in place of the
// camera. The flag flips only after the transport accepted the new track.
func (m *Manager) ToggleScreenShare(ctx context.Context) error {
	m.mu.RLock()
	if m.session == nil || m.call == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	if m.session.Status != StatusConnected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	id, screen := m.session.ID, m.call.screen
	m.mu.RUnlock()

	if err := screen.Toggle(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ToggleScreenShare",
			"session_id": id,
			"error":      err.Error(),
		}).Warn("Screen share toggle failed")
		m.notify(NotifyWarning, "Screen sharing failed", err)
		return err
	}
	return nil
}

// StartRecording records the local and remote tracks of a connected call.
func (m *Manager) StartRecording() error {
	m.mu.RLock()
	if m.session == nil || m.call == nil || m.session.Status != StatusConnected || m.call.local == nil {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	id := m.session.ID
	res := m.call
	sources := res.local.FrameSources()
	if res.remote != nil {
		sources = append(sources, res.remote.FrameSources()...)
	}
	if res.group != nil {
		sources = append(sources, res.group.FrameSources()...)
	}
	rec := res.recorder
	m.mu.RUnlock()

	format, err := rec.Start(sources)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "StartRecording",
			"session_id": id,
			"error":      err.Error(),
		}).Warn("Recording could not start")
		if !errors.Is(err, recorder.ErrAlreadyRecording) {
			m.notify(NotifyWarning, "Recording is not available", err)
		}
		return err
	}

	// Cleanup may have passed the recorder while Start ran.
	m.mu.RLock()
	_, cur, ok := m.current(id)
	m.mu.RUnlock()
	if !ok || cur != res {
		go func() {
			artifact, err := rec.Stop()
			m.recordingFinished(id, artifact, err)
		}()
		return ErrNotConnected
	}

	logrus.WithFields(logrus.Fields{
		"function":   "StartRecording",
		"session_id": id,
		"mime_type":  format.MimeType,
		"tracks":     len(sources),
	}).Info("Recording started")

	m.publishState()
	return nil
}

// StopRecording finalizes the current recording into one artifact.
func (m *Manager) StopRecording() (recorder.Artifact, error) {
	m.mu.RLock()
	if m.call == nil {
		m.mu.RUnlock()
		return recorder.Artifact{}, recorder.ErrNotRecording
	}
	rec := m.call.recorder
	m.mu.RUnlock()

	artifact, err := rec.Stop()
	if err != nil {
		if !errors.Is(err, recorder.ErrNotRecording) {
			m.notify(NotifyWarning, "Recording could not be saved", err)
		}
		return artifact, err
	}

	m.mu.Lock()
	m.lastRecording = &artifact
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StopRecording",
		"name":     artifact.Name,
		"size":     artifact.Size,
		"slices":   artifact.Slices,
	}).Info("Recording stopped")

	m.publishState()
	return artifact, nil
}

// SendMessage sends a chat message over the data channel.
func (m *Manager) SendMessage(content string) error {
	if err := limits.ValidateChatMessage(content); err != nil {
		return err
	}

	m.mu.RLock()
	if m.session == nil || m.call == nil {
		m.mu.RUnlock()
		return ErrNoActiveCall
	}
	if m.session.Status != StatusConnected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	id := m.session.ID
	transport, group, limiter := m.call.transport, m.call.group, m.limiter
	m.mu.RUnlock()

	if !limiter.Allow() {
		return ErrRateLimited
	}

	msg := peer.Chat(content)
	if err := m.broadcast(transport, group, msg); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	m.mu.Lock()
	if _, _, ok := m.current(id); ok {
		m.messages = append(m.messages, ChatMessage{
			From:      m.self,
			Content:   content,
			Timestamp: time.UnixMilli(msg.Timestamp),
			Local:     true,
		})
	}
	m.mu.Unlock()

	m.publishState()
	return nil
}

// broadcast sends msg to the direct peer or to every group leg.
func (m *Manager) broadcast(transport peer.Transport, group *GroupCoordinator, msg peer.DataMessage) error {
	switch {
	case group != nil:
		return group.Broadcast(msg)
	case transport != nil:
		return transport.Send(msg)
	default:
		return peer.ErrChannelNotOpen
	}
}
