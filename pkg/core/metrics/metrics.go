// Package metrics maintains running latency and playback statistics across
// conversation turns.
package metrics

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time view of the aggregate statistics. Values are
// never reset except on process restart.
type Snapshot struct {
	LastLatencyMS           int64
	RunningAverageLatencyMS int64
	TurnCount               int64
	LastAudioDurationMS     int64
}

// Aggregator accumulates per-turn statistics. Safe for concurrent use.
type Aggregator struct {
	mu   sync.Mutex
	snap Snapshot

	turnsTotal           prometheus.Counter
	turnLatencySeconds   prometheus.Histogram
	audioPlayedMSTotal   prometheus.Counter
	peripheralReconnects prometheus.Counter
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Register wires the aggregator's Prometheus collectors into reg.
func (a *Aggregator) Register(reg prometheus.Registerer, namespace string) error {
	if namespace == "" {
		namespace = "aviko"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.turnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Total number of completed conversation turns",
	})
	a.turnLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_latency_seconds",
		Help:      "Turn latency from committed transcript to terminal event",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	a.audioPlayedMSTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_played_ms_total",
		Help:      "Total milliseconds of spoken reply audio played",
	})
	a.peripheralReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peripheral_reconnects_total",
		Help:      "Total peripheral channel reconnect attempts scheduled",
	})

	for _, c := range []prometheus.Collector{
		a.turnsTotal,
		a.turnLatencySeconds,
		a.audioPlayedMSTotal,
		a.peripheralReconnects,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordTurn folds one completed turn's elapsed time into the running
// average: avg' = round((avg*count + e) / (count+1)).
func (a *Aggregator) RecordTurn(elapsedMS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := a.snap.TurnCount
	avg := a.snap.RunningAverageLatencyMS
	a.snap.RunningAverageLatencyMS = int64(math.Round(float64(avg*count+elapsedMS) / float64(count+1)))
	a.snap.TurnCount = count + 1
	a.snap.LastLatencyMS = elapsedMS

	if a.turnsTotal != nil {
		a.turnsTotal.Inc()
	}
	if a.turnLatencySeconds != nil {
		a.turnLatencySeconds.Observe(float64(elapsedMS) / 1000)
	}
}

// RecordAudioDuration records the playback pipeline's measured duration
// verbatim, independent of the latency calculation.
func (a *Aggregator) RecordAudioDuration(durationMS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snap.LastAudioDurationMS = durationMS
	if a.audioPlayedMSTotal != nil {
		a.audioPlayedMSTotal.Add(float64(durationMS))
	}
}

// RecordPeripheralReconnect counts one scheduled peripheral reconnect.
func (a *Aggregator) RecordPeripheralReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peripheralReconnects != nil {
		a.peripheralReconnects.Inc()
	}
}

// Snapshot returns the current statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}
