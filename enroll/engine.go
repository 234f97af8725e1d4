// Package enroll implements the enrollment engine: it selects the oldest
// eligible source event for a worker's stream and claims it by inserting an
// in_progress target event, all inside one store transaction.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/conveyor/backpressure"
	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/telemetry"
	"github.com/rs/zerolog/log"
)

// Options tunes the engine
type Options struct {
	// MaxAttempts is how many times a conflicting claim transaction runs before giving up
	MaxAttempts int
	// AllowSlothMode lets requests opt into artificial delays
	AllowSlothMode bool
	// SlothDelay is slept before the transaction and between selection and insert
	SlothDelay time.Duration
}

// Engine claims work from the event store
type Engine struct {
	store *db.EventStore
	guard *backpressure.Guard
	opts  Options
}

// NewEngine creates an engine. guard may be nil to disable admission control.
func NewEngine(store *db.EventStore, guard *backpressure.Guard, opts Options) *Engine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Engine{store: store, guard: guard, opts: opts}
}

// Enroll claims at most one unit of work for req. It returns ErrNoWork when
// nothing is eligible.
func (e *Engine) Enroll(ctx context.Context, req Request) (*Job, error) {
	start := time.Now()
	job, err := e.enroll(ctx, req)

	result := "claimed"
	switch {
	case err == nil:
		telemetry.EnrollDurationSeconds.Observe(time.Since(start).Seconds())
	case errors.Is(err, ErrNoWork):
		result = "no_work"
		telemetry.EnrollDurationSeconds.Observe(time.Since(start).Seconds())
	case errors.Is(err, ErrForbidden):
		result = "forbidden"
	case IsClientError(err):
		result = "invalid"
	case errors.Is(err, ErrUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	telemetry.EnrollTotal.With(result).Inc()

	return job, err
}

func (e *Engine) enroll(ctx context.Context, req Request) (*Job, error) {
	p, err := newPlan(req, e.store.Dialect().Name(), e.store.Now())
	if err != nil {
		return nil, err
	}

	if e.guard != nil {
		if err := e.guard.Check(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	sloth := req.SlothMode && e.opts.AllowSlothMode
	if req.SlothMode && !sloth {
		log.Warn().Str("sender", req.Sender).Msg("Sloth mode requested but not allowed, ignoring")
	}
	if sloth {
		log.Warn().Str("sender", req.Sender).Dur("delay", e.opts.SlothDelay).Msg("Sloth mode enrollment")
		if err := e.sleep(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		job, err := e.claim(ctx, p, sloth)
		if err == nil {
			log.Debug().
				Str("job", job.ID).
				Str("source", job.DependsOn).
				Str("topic", job.Topic).
				Str("sender", job.Sender).
				Int("retries", job.Retries).
				Msg("Claimed job")
			return job, nil
		}
		if errors.Is(err, ErrNoWork) {
			return nil, ErrNoWork
		}
		if !e.store.IsConflict(err) {
			return nil, fmt.Errorf("failed to enroll: %w", err)
		}

		telemetry.EnrollConflictsTotal.Inc()
		log.Debug().Err(err).Int("attempt", attempt).Str("sender", req.Sender).Msg("Claim conflict, retrying")
		lastErr = err
	}

	return nil, fmt.Errorf("%w: claim conflict persisted after %d attempts: %v", ErrUnavailable, e.opts.MaxAttempts, lastErr)
}

func (e *Engine) claim(ctx context.Context, p *plan, sloth bool) (*Job, error) {
	var job *Job

	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.LockStream(ctx, p.req.stream()); err != nil {
			return err
		}

		qb := tx.Builder()
		source, err := tx.SelectEvent(ctx, candidateQuery(qb, p))
		if err != nil {
			return err
		}
		if source == nil {
			return ErrNoWork
		}

		retries, err := tx.Count(ctx, failedAttemptsQuery(qb, p, source.ID))
		if err != nil {
			return err
		}

		if sloth {
			if err := e.sleep(ctx); err != nil {
				return err
			}
		}

		claim := &db.Event{
			Topic:       p.req.TargetTopic,
			Sender:      p.req.Sender,
			UserName:    p.req.UserName,
			Description: p.req.Description,
			Status:      db.StatusInProgress,
			DependsOn:   source.ID,
			Retries:     retries,
			MaxRetries:  p.req.MaxRetries,
		}
		if err := tx.Insert(ctx, claim); err != nil {
			return err
		}

		job = &Job{
			ID:          claim.ID,
			DependsOn:   source.ID,
			Topic:       claim.Topic,
			Sender:      claim.Sender,
			Description: claim.Description,
			Status:      claim.Status,
			Retries:     claim.Retries,
			MaxRetries:  claim.MaxRetries,
			Source:      source,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (e *Engine) sleep(ctx context.Context) error {
	t := time.NewTimer(e.opts.SlothDelay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusValues(groups ...[]db.Status) []string {
	var out []string
	for _, g := range groups {
		for _, s := range g {
			out = append(out, string(s))
		}
	}
	return out
}

// streamDependents selects 1 for every dependent of src.id in the request's
// stream whose status is in statuses
func streamDependents(qb goqu.DialectWrapper, p *plan, src, alias string, statuses []string) *goqu.SelectDataset {
	return qb.From(goqu.T("events").As(alias)).
		Select(goqu.L("1")).
		Where(
			goqu.I(alias+".depends_on").Eq(goqu.I(src+".id")),
			goqu.I(alias+".topic").Eq(p.req.TargetTopic),
			goqu.I(alias+".sender").Eq(p.req.Sender),
			goqu.I(alias+".status").In(statuses),
		)
}

// failedAttemptCount counts failed attempts on src.id in the request's stream
func failedAttemptCount(qb goqu.DialectWrapper, p *plan, src, alias string) *goqu.SelectDataset {
	return qb.From(goqu.T("events").As(alias)).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.I(alias+".depends_on").Eq(goqu.I(src+".id")),
			goqu.I(alias+".topic").Eq(p.req.TargetTopic),
			goqu.I(alias+".sender").Eq(p.req.Sender),
			goqu.I(alias+".status").In(statusValues(db.FailedAttemptStatuses)),
		)
}

// eligible returns the conditions shared by candidates and their prior
// siblings: pending, filter match and age
func eligible(p *plan, alias string, f exp.Expression) []exp.Expression {
	conds := []exp.Expression{
		goqu.I(alias + ".status").Eq(string(db.StatusPending)),
	}
	if f != nil {
		conds = append(conds, f)
	}
	if p.cutoff > 0 {
		conds = append(conds, goqu.I(alias+".created_at").Gte(p.cutoff))
	}
	return conds
}

// candidateQuery selects the oldest source that has no active or done claim
// in the stream and has not exhausted the stream's retry ceiling. With
// sequential set, a source is eligible only when no earlier pending event on
// its topic is still unresolved for the stream.
func candidateQuery(qb goqu.DialectWrapper, p *plan) *goqu.SelectDataset {
	blocking := statusValues(db.ActiveStatuses, db.DoneStatuses, []db.Status{db.StatusFailed})

	conds := eligible(p, "e", p.candidate)
	conds = append(conds,
		p.matcher.Predicate("e.topic"),
		goqu.L("NOT EXISTS ?", streamDependents(qb, p, "e", "d", blocking)),
		goqu.L("? < ?", failedAttemptCount(qb, p, "e", "f"), p.req.MaxRetries),
	)

	if p.req.Sequential {
		resolved := statusValues(db.DoneStatuses, []db.Status{db.StatusFailed})

		priorConds := eligible(p, "p", p.prior)
		priorConds = append(priorConds,
			goqu.I("p.topic").Eq(goqu.I("e.topic")),
			goqu.I("p.creation_order").Lt(goqu.I("e.creation_order")),
			goqu.L("NOT EXISTS ?", streamDependents(qb, p, "p", "pd", resolved)),
			goqu.L("? < ?", failedAttemptCount(qb, p, "p", "pf"), p.req.MaxRetries),
		)

		unresolvedPrior := qb.From(goqu.T("events").As("p")).
			Select(goqu.L("1")).
			Where(priorConds...)

		conds = append(conds, goqu.L("NOT EXISTS ?", unresolvedPrior))
	}

	return qb.From(goqu.T("events").As("e")).
		Select(db.EventColumns("e")...).
		Where(conds...).
		Order(goqu.I("e.creation_order").Asc()).
		Limit(1)
}

// failedAttemptsQuery counts failed attempts on one chosen source
func failedAttemptsQuery(qb goqu.DialectWrapper, p *plan, sourceID string) *goqu.SelectDataset {
	return qb.From("events").
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("depends_on").Eq(sourceID),
			goqu.C("topic").Eq(p.req.TargetTopic),
			goqu.C("sender").Eq(p.req.Sender),
			goqu.C("status").In(statusValues(db.FailedAttemptStatuses)),
		)
}
