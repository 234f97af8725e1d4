// Package backpressure rations the store connection pool so job dispatch
// cannot starve other traffic of connections.
package backpressure

import (
	"errors"
	"fmt"

	"github.com/maxpert/conveyor/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned when pool headroom is below the threshold
var ErrUnavailable = errors.New("store connection pool exhausted")

// DefaultMinAvailable is the headroom kept free for non-dispatch traffic
const DefaultMinAvailable = 3

// PoolStats reports live connection pool headroom
type PoolStats interface {
	AvailableConnections() int
}

// Guard admits enrollment only while enough connections remain free. It
// holds no state between calls; every Check reads the live pool.
type Guard struct {
	pool         PoolStats
	minAvailable int
}

// NewGuard creates a guard over pool. minAvailable < 0 falls back to the default.
func NewGuard(pool PoolStats, minAvailable int) *Guard {
	if minAvailable < 0 {
		minAvailable = DefaultMinAvailable
	}
	return &Guard{pool: pool, minAvailable: minAvailable}
}

// MinAvailable returns the configured threshold
func (g *Guard) MinAvailable() int {
	return g.minAvailable
}

// Check returns ErrUnavailable, wrapped with the remaining headroom, when
// fewer than MinAvailable connections are free
func (g *Guard) Check() error {
	available := g.pool.AvailableConnections()
	if available >= g.minAvailable {
		return nil
	}

	telemetry.EnrollBackpressureRejections.Inc()
	log.Warn().
		Int("available", available).
		Int("min_available", g.minAvailable).
		Msg("Rejecting enrollment, store pool headroom low")

	return fmt.Errorf("%w: remaining pool size %d", ErrUnavailable, available)
}
