package av

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/callsession/av/peer"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// StatsSource provides connection statistics. peer.Transport and
// GroupCoordinator implement it.
type StatsSource interface {
	Stats(ctx context.Context) (peer.Stats, error)
}

// Assess folds one statistics sample into a tier. It is a pure function of
// its inputs.
//
//   - any state other than connected: disconnected
//   - loss or RTT beyond the poor thresholds: poor
//   - loss and RTT within the excellent band: excellent
//   - otherwise: good
func Assess(stats peer.Stats, thresholds QualityThresholds) QualityTier {
	if stats.State != webrtc.PeerConnectionStateConnected {
		return QualityDisconnected
	}
	if stats.LossRate > thresholds.PoorLoss || stats.RTT > thresholds.PoorRTT {
		return QualityPoor
	}
	if stats.LossRate <= thresholds.ExcellentLoss && stats.RTT <= thresholds.ExcellentRTT {
		return QualityExcellent
	}
	return QualityGood
}

// QualityMonitor polls a StatsSource on a fixed interval and keeps only the
// latest sample.
type QualityMonitor struct {
	source       StatsSource
	thresholds   QualityThresholds
	interval     time.Duration
	timeProvider TimeProvider

	mu   sync.RWMutex
	last QualitySample
}

// NewQualityMonitor creates a monitor for source.
func NewQualityMonitor(source StatsSource, thresholds QualityThresholds, interval time.Duration, tp TimeProvider) *QualityMonitor {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	if interval <= 0 {
		interval = DefaultConfig().QualityInterval
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewQualityMonitor",
		"interval": interval,
	}).Debug("Creating quality monitor")

	return &QualityMonitor{
		source:       source,
		thresholds:   thresholds,
		interval:     interval,
		timeProvider: tp,
		last:         QualitySample{Tier: QualityDisconnected},
	}
}

// Sample reads statistics once. A failed read yields a poor sample.
func (q *QualityMonitor) Sample(ctx context.Context) QualitySample {
	stats, err := q.source.Stats(ctx)
	sample := QualitySample{
		LossRate: stats.LossRate,
		RTT:      stats.RTT,
		State:    stats.State,
		At:       q.timeProvider.Now(),
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sample",
			"error":    err.Error(),
		}).Debug("Stats read failed, rating connection poor")
		sample.Tier = QualityPoor
	} else {
		sample.Tier = Assess(stats, q.thresholds)
	}

	q.mu.Lock()
	q.last = sample
	q.mu.Unlock()
	return sample
}

// Last returns the most recent sample.
func (q *QualityMonitor) Last() QualitySample {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.last
}

// Run samples every interval until ctx is done, passing each sample to
// onSample.
func (q *QualityMonitor) Run(ctx context.Context, onSample func(QualitySample)) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := q.Sample(ctx)
			if ctx.Err() != nil {
				return
			}
			if onSample != nil {
				onSample(sample)
			}
		}
	}
}
