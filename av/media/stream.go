package media

import "sync"

// Stream groups the local tracks of one session.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

// NewStream creates a stream holding tracks.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the track list.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracks := make([]*Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() *Track {
	return s.first(KindAudio)
}

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() *Track {
	return s.first(KindVideo)
}

func (s *Stream) first(kind Kind) *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// ReplaceVideoTrack swaps the first video track for track and returns the
// previous one. The previous track is not stopped.
func (s *Stream) ReplaceVideoTrack(track *Track) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.Kind() == KindVideo {
			s.tracks[i] = track
			return t
		}
	}
	s.tracks = append(s.tracks, track)
	return nil
}

// FrameSources returns the tracks as frame sources.
func (s *Stream) FrameSources() []FrameSource {
	tracks := s.Tracks()
	sources := make([]FrameSource, 0, len(tracks))
	for _, t := range tracks {
		sources = append(sources, t)
	}
	return sources
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
