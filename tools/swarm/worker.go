package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/maxpert/conveyor/db"
)

const (
	idleBackoffMin = 10 * time.Millisecond
	idleBackoffMax = 500 * time.Millisecond
)

// Worker executes calls against the API.
type Worker struct {
	id      int
	client  *Client
	stats   *Stats
	request map[string]interface{}
	failPct int
	work    time.Duration
	rng     *rand.Rand
}

// NewWorker creates a new worker.
func NewWorker(id int, client *Client, stats *Stats, cfg *Config) *Worker {
	request := map[string]interface{}{
		"source_topic": cfg.SourceTopic,
		"target_topic": cfg.TargetTopic,
		"sender":       "swarm",
		"description":  "swarm load",
		"sequential":   cfg.Sequential,
	}
	if cfg.MaxRetries > 0 {
		request["max_retries"] = cfg.MaxRetries
	}

	return &Worker{
		id:      id,
		client:  client,
		stats:   stats,
		request: request,
		failPct: cfg.FailPct,
		work:    cfg.WorkTime,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// RunLoad dispatches events [startKey, endKey).
func (w *Worker) RunLoad(ctx context.Context, startKey, endKey, topics int, wg *sync.WaitGroup) {
	defer wg.Done()

	for i := startKey; i < endKey; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		_, err := w.client.Dispatch(ctx, sourceTopic(i, topics), map[string]interface{}{
			"seq":    i,
			"worker": w.id,
		})
		if err != nil {
			w.stats.RecordError(err)
			continue
		}
		w.stats.RecordOp(OpDispatch, time.Since(start))
	}
}

// RunClaims enrolls and settles jobs until ctx ends or no work shows up for idleTimeout.
func (w *Worker) RunClaims(ctx context.Context, idleTimeout time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	backoff := idleBackoffMin
	idleSince := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		job, err := w.client.Enroll(ctx, w.request)
		latency := time.Since(start)

		switch {
		case errors.Is(err, errNoWork):
			w.stats.RecordOp(OpNoWork, latency)
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if idleTimeout > 0 && time.Since(idleSince) >= idleTimeout {
				return
			}
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, idleBackoffMax)
			continue
		case err != nil:
			w.stats.RecordError(err)
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, idleBackoffMax)
			continue
		}

		idleSince = time.Time{}
		backoff = idleBackoffMin
		w.stats.RecordOp(OpClaim, latency)
		w.settle(ctx, job.ID, job.DependsOn)
	}
}

func (w *Worker) settle(ctx context.Context, jobID, source string) {
	acquired := w.stats.Acquire(source)
	if w.work > 0 {
		w.sleep(ctx, w.work)
	}

	status, op := db.StatusFinished, OpFinish
	if w.rng.Intn(100) < w.failPct {
		status, op = db.StatusFailed, OpFail
	}

	// Release before reporting; a reported claim may be re-claimed at once
	if acquired {
		w.stats.Release(source)
	}

	start := time.Now()
	if err := w.client.ReportStatus(ctx, jobID, status); err != nil {
		w.stats.RecordError(err)
		return
	}
	w.stats.RecordOp(op, time.Since(start))
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
