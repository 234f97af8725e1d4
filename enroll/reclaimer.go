package enroll

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/telemetry"
	"github.com/rs/zerolog/log"
)

// Reclaimer periodically turns in_progress claims whose worker stopped
// reporting into failed attempts, so their sources become eligible again
// until the stream's retry ceiling is hit. Workers keep a claim alive by
// reporting in_progress.
type Reclaimer struct {
	store    *db.EventStore
	interval time.Duration
	lease    time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReclaimer creates a reclaimer that runs every interval
func NewReclaimer(store *db.EventStore, interval, lease time.Duration) *Reclaimer {
	return &Reclaimer{
		store:    store,
		interval: interval,
		lease:    lease,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reclaim loop
func (r *Reclaimer) Start() {
	r.wg.Add(1)
	go r.loop()
	log.Info().Dur("interval", r.interval).Dur("lease", r.lease).Msg("Claim reclaimer started")
}

// Stop stops the loop and waits for an in-flight pass
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reclaimer) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Claim reclaim pass failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// RunOnce reclaims every expired claim and returns how many were reclaimed
func (r *Reclaimer) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := r.store.ReclaimExpired(ctx, r.lease)
	if err != nil {
		return 0, err
	}

	for _, ev := range reclaimed {
		telemetry.ClaimsReclaimedTotal.With(string(ev.Status)).Inc()
		log.Info().
			Str("claim", ev.ID).
			Str("source", ev.DependsOn).
			Str("topic", ev.Topic).
			Str("sender", ev.Sender).
			Str("status", string(ev.Status)).
			Msg("Reclaimed abandoned claim")
	}
	return len(reclaimed), nil
}
