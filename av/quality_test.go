package av

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/callsession/av/peer"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess(t *testing.T) {
	th := DefaultQualityThresholds()
	connected := webrtc.PeerConnectionStateConnected

	tests := []struct {
		name  string
		stats peer.Stats
		want  QualityTier
	}{
		{"clean link", peer.Stats{State: connected, RTT: 30 * time.Millisecond}, QualityExcellent},
		{"excellent edge", peer.Stats{State: connected, LossRate: 0.01, RTT: 100 * time.Millisecond}, QualityExcellent},
		{"some loss", peer.Stats{State: connected, LossRate: 0.03, RTT: 50 * time.Millisecond}, QualityGood},
		{"slow", peer.Stats{State: connected, RTT: 200 * time.Millisecond}, QualityGood},
		{"poor edge", peer.Stats{State: connected, LossRate: 0.05, RTT: 300 * time.Millisecond}, QualityGood},
		{"heavy loss", peer.Stats{State: connected, LossRate: 0.06}, QualityPoor},
		{"high rtt", peer.Stats{State: connected, RTT: 301 * time.Millisecond}, QualityPoor},
		{"checking", peer.Stats{State: webrtc.PeerConnectionStateConnecting}, QualityDisconnected},
		{"failed", peer.Stats{State: webrtc.PeerConnectionStateFailed}, QualityDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assess(tt.stats, th))
			// Same input, same answer.
			assert.Equal(t, tt.want, Assess(tt.stats, th))
		})
	}
}

func TestQualityTierString(t *testing.T) {
	assert.Equal(t, "excellent", QualityExcellent.String())
	assert.Equal(t, "disconnected", QualityDisconnected.String())
}

type scriptedStats struct {
	mu    sync.Mutex
	stats peer.Stats
	err   error
	reads int
}

func (s *scriptedStats) Stats(context.Context) (peer.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.stats, s.err
}

func (s *scriptedStats) set(stats peer.Stats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats, s.err = stats, err
}

func TestQualityMonitorSample(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &scriptedStats{stats: peer.Stats{State: webrtc.PeerConnectionStateConnected, RTT: 20 * time.Millisecond}}
	q := NewQualityMonitor(source, DefaultQualityThresholds(), time.Second, &fakeClock{now: at})

	assert.Equal(t, QualityDisconnected, q.Last().Tier)

	sample := q.Sample(context.Background())
	assert.Equal(t, QualityExcellent, sample.Tier)
	assert.Equal(t, at, sample.At)
	assert.Equal(t, sample, q.Last())

	source.set(peer.Stats{}, errors.New("stats unavailable"))
	assert.Equal(t, QualityPoor, q.Sample(context.Background()).Tier)
	assert.Equal(t, QualityPoor, q.Last().Tier)
}

func TestQualityMonitorRun(t *testing.T) {
	source := &scriptedStats{stats: peer.Stats{State: webrtc.PeerConnectionStateConnected, LossRate: 0.2}}
	q := NewQualityMonitor(source, DefaultQualityThresholds(), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	samples := make(chan QualitySample, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(s QualitySample) {
			select {
			case samples <- s:
			default:
			}
		})
	}()

	select {
	case s := <-samples:
		assert.Equal(t, QualityPoor, s.Tier)
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	source.mu.Lock()
	reads := source.reads
	source.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	source.mu.Lock()
	assert.Equal(t, reads, source.reads)
	source.mu.Unlock()
}

func TestQualityMonitorDefaultsInterval(t *testing.T) {
	q := NewQualityMonitor(&scriptedStats{}, DefaultQualityThresholds(), 0, nil)
	require.NotNil(t, q)
	assert.Equal(t, DefaultConfig().QualityInterval, q.interval)
}
