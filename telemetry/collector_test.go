package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingGauge struct {
	NoopStat
	mu  sync.Mutex
	val float64
}

func (g *recordingGauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.val = v
}

func (g *recordingGauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val
}

type gaugesByLabel struct {
	mu     sync.Mutex
	gauges map[string]*recordingGauge
}

func (g *gaugesByLabel) With(labels ...string) Gauge {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := labels[0]
	if g.gauges[key] == nil {
		g.gauges[key] = &recordingGauge{}
	}
	return g.gauges[key]
}

type fakePool int

func (p fakePool) AvailableConnections() int { return int(p) }

type fakeFeed struct {
	last    uint64
	cursors map[string]uint64
}

func (f fakeFeed) LastSeq() uint64                { return f.last }
func (f fakeFeed) SinkCursors() map[string]uint64 { return f.cursors }

func TestMetricsCollector_SamplesOnStart(t *testing.T) {
	available := &recordingGauge{}
	lag := &gaugesByLabel{gauges: map[string]*recordingGauge{}}

	origAvailable, origLag := DBPoolAvailable, FeedLagRecords
	DBPoolAvailable, FeedLagRecords = available, lag
	defer func() { DBPoolAvailable, FeedLagRecords = origAvailable, origLag }()

	feed := fakeFeed{last: 40, cursors: map[string]uint64{"kafka": 40, "nats": 25}}
	mc := NewMetricsCollector(time.Hour, PoolProbe(fakePool(6)), nil, FeedLagProbe(feed))
	mc.Start()
	mc.Stop()

	assert.Equal(t, float64(6), available.Value())
	assert.Equal(t, float64(0), lag.gauges["kafka"].Value())
	assert.Equal(t, float64(15), lag.gauges["nats"].Value())
}

func TestMetricsCollector_SamplesEveryInterval(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	mc := NewMetricsCollector(5*time.Millisecond, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	mc.Start()
	defer mc.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)
}

func TestNoopMetricsBeforeInit(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())

	c := NewCounterVec("noop_total", "noop", []string{"a"})
	assert.NotPanics(t, func() { c.With("x").Inc() })
	assert.NotPanics(t, func() { NewGaugeVec("noop_gauge", "noop", []string{"a"}).With("x").Set(1) })
	assert.NotPanics(t, func() { RegisterDBStats(nil, "sqlite3") })
}
