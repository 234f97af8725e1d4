package telemetry

import (
	"sync"
	"time"
)

// Probe samples some component state into gauges
type Probe func()

// PoolProbe reports the pool headroom the backpressure guard works from
func PoolProbe(pool interface{ AvailableConnections() int }) Probe {
	return func() {
		DBPoolAvailable.Set(float64(pool.AvailableConnections()))
	}
}

// LagSource reports per-sink feed progress
type LagSource interface {
	LastSeq() uint64
	SinkCursors() map[string]uint64
}

// FeedLagProbe reports how far each feed sink trails the newest record
func FeedLagProbe(src LagSource) Probe {
	return func() {
		last := src.LastSeq()
		for name, cursor := range src.SinkCursors() {
			lag := uint64(0)
			if last > cursor {
				lag = last - cursor
			}
			FeedLagRecords.With(name).Set(float64(lag))
		}
	}
}

// MetricsCollector runs its probes once on Start and then every interval
type MetricsCollector struct {
	probes   []Probe
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector; nil probes are skipped
func NewMetricsCollector(interval time.Duration, probes ...Probe) *MetricsCollector {
	mc := &MetricsCollector{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for _, p := range probes {
		if p != nil {
			mc.probes = append(mc.probes, p)
		}
	}
	return mc
}

func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go func() {
		defer mc.wg.Done()

		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			mc.sample()
			select {
			case <-ticker.C:
			case <-mc.stopCh:
				return
			}
		}
	}()
}

func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) sample() {
	for _, p := range mc.probes {
		p()
	}
}
