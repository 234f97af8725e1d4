package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/id"
	"github.com/maxpert/conveyor/topic"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when an event id does not exist
	ErrNotFound = errors.New("event not found")
	// ErrInvalidStatus is returned for a status a worker may not report
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvalidTransition is returned when the event is not in a reportable state
	ErrInvalidTransition = errors.New("invalid status transition")
)

// statusReportAttempts bounds retries of status updates on serialization conflicts
const statusReportAttempts = 3

// reclaimBatchSize caps claims reclaimed per transaction
const reclaimBatchSize = 500

// Options configures an EventStore
type Options struct {
	Driver        string
	DSN           string
	DataDir       string
	PoolSize      int
	MaxIdleTime   time.Duration
	MaxLifetime   time.Duration
	BusyTimeoutMS int

	// Clock overrides time.Now, used by tests to age events
	Clock func() time.Time
	// IDs overrides the event id generator
	IDs id.Generator
}

// OptionsFromConfig maps the [store] section onto Options
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		Driver:        c.Store.Driver,
		DSN:           c.Store.DSN,
		DataDir:       c.DataDir,
		PoolSize:      c.Store.PoolSize,
		MaxIdleTime:   time.Duration(c.Store.MaxIdleTimeSeconds) * time.Second,
		MaxLifetime:   time.Duration(c.Store.MaxLifetimeSeconds) * time.Second,
		BusyTimeoutMS: c.Store.BusyTimeoutMS,
	}
}

// EventStore is the durable, ordered event log. It is the only writer of
// event rows; the enrollment engine mutates it through InTx.
type EventStore struct {
	db       *sql.DB
	dialect  Dialect
	qb       goqu.DialectWrapper
	ids      id.Generator
	now      func() time.Time
	notifier atomic.Pointer[notifierHolder]
}

type notifierHolder struct {
	n ChangeNotifier
}

// Open connects to the configured store and applies the schema
func Open(ctx context.Context, opts Options) (*EventStore, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := dialect.DSN(opts.DSN, opts.DataDir, opts.BusyTimeoutMS)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	poolSize := opts.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	conn.SetMaxOpenConns(poolSize)
	conn.SetMaxIdleConns(poolSize)
	conn.SetConnMaxIdleTime(opts.MaxIdleTime)
	conn.SetConnMaxLifetime(opts.MaxLifetime)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to event store: %w", err)
	}

	s := &EventStore{
		db:      conn,
		dialect: dialect,
		qb:      builder(dialect),
		ids:     opts.IDs,
		now:     opts.Clock,
	}
	if s.ids == nil {
		s.ids = id.NewUUIDGenerator()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().
		Str("driver", string(dialect.Name())).
		Int("pool_size", poolSize).
		Msg("Event store opened")

	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; duplicates mean already applied
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool
func (s *EventStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for read-only traffic
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store dialect
func (s *EventStore) Dialect() Dialect {
	return s.dialect
}

// Builder returns a goqu builder for the store dialect
func (s *EventStore) Builder() goqu.DialectWrapper {
	return s.qb
}

// Now returns the store clock
func (s *EventStore) Now() time.Time {
	return s.now()
}

// SetNotifier registers the listener for committed changes. nil disables it.
func (s *EventStore) SetNotifier(n ChangeNotifier) {
	if n == nil {
		s.notifier.Store(nil)
		return
	}
	s.notifier.Store(&notifierHolder{n: n})
}

// AvailableConnections returns how many pool connections are not in use
func (s *EventStore) AvailableConnections() int {
	st := s.db.Stats()
	return st.MaxOpenConnections - st.InUse
}

// IsConflict reports whether err is a retryable serialization conflict
func (s *EventStore) IsConflict(err error) bool {
	return err != nil && s.dialect.IsConflict(err)
}

// InTx runs fn in a transaction with the dialect's claim isolation. Changes
// recorded on the Tx are handed to the notifier after commit.
func (s *EventStore) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.TxOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(sqlTx)

	tx := &Tx{tx: sqlTx, store: s}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if h := s.notifier.Load(); h != nil && len(tx.changed) > 0 {
		h.n.EventsCommitted(tx.changed)
	}
	return nil
}

// inTxRetry retries InTx on serialization conflicts
func (s *EventStore) inTxRetry(ctx context.Context, attempts int, fn func(tx *Tx) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = s.InTx(ctx, fn)
		if err == nil || !s.IsConflict(err) {
			return err
		}
		log.Debug().Err(err).Int("attempt", i+1).Msg("Store transaction conflict, retrying")
	}
	return err
}

// Dispatch appends a new pending event
func (s *EventStore) Dispatch(ctx context.Context, ne NewEvent) (*Event, error) {
	if err := topic.Validate(ne.Topic); err != nil {
		return nil, err
	}
	if strings.Contains(ne.Topic, topic.Wildcard) {
		return nil, fmt.Errorf("%w: %q must not contain wildcards", topic.ErrInvalidTopic, ne.Topic)
	}

	ev := &Event{
		Topic:       ne.Topic,
		Sender:      ne.Sender,
		UserName:    ne.UserName,
		Description: ne.Description,
		Payload:     ne.Payload,
		Status:      StatusPending,
		CreatedAt:   ne.CreatedAt,
	}

	err := s.inTxRetry(ctx, statusReportAttempts, func(tx *Tx) error {
		return tx.Insert(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch event: %w", err)
	}
	return ev, nil
}

// Get fetches one event by id
func (s *EventStore) Get(ctx context.Context, eventID string) (*Event, error) {
	query, args, err := s.qb.From("events").
		Select(EventColumns("")...).
		Where(goqu.C("id").Eq(eventID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// Dependents lists events that depend on eventID, oldest first
func (s *EventStore) Dependents(ctx context.Context, eventID string) ([]*Event, error) {
	query, args, err := s.qb.From("events").
		Select(EventColumns("")...).
		Where(goqu.C("depends_on").Eq(eventID)).
		Order(goqu.C("creation_order").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	return collectEvents(rows)
}

// ReportStatus applies a worker report to an in_progress claim. Reporting
// in_progress again extends the claim lease. A failure becomes restarted while
// retries remain and failed once the claim's ceiling is reached.
func (s *EventStore) ReportStatus(ctx context.Context, eventID string, status Status) (*Event, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, status)
	}
	if status != StatusInProgress && status != StatusFinished && status != StatusFailed {
		return nil, fmt.Errorf("%w: %q cannot be reported", ErrInvalidStatus, status)
	}

	var result *Event
	err := s.inTxRetry(ctx, statusReportAttempts, func(tx *Tx) error {
		ds := s.qb.From("events").
			Select(EventColumns("")...).
			Where(goqu.C("id").Eq(eventID))
		ev, err := tx.SelectEvent(ctx, ds)
		if err != nil {
			return err
		}
		if ev == nil {
			return ErrNotFound
		}
		if ev.DependsOn == "" {
			return fmt.Errorf("%w: %s is not a claim", ErrInvalidTransition, eventID)
		}
		if ev.Status.Terminal() {
			return fmt.Errorf("%w: %s already settled as %s", ErrInvalidTransition, eventID, ev.Status)
		}
		if ev.Status != StatusInProgress {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, eventID, ev.Status)
		}

		next := status
		if status == StatusFailed {
			next = FailureStatus(ev)
		}
		if err := tx.transition(ctx, ev, next); err != nil {
			return err
		}
		result = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReclaimExpired treats in_progress claims not updated within lease as failed
// attempts, returning the reclaimed claims.
func (s *EventStore) ReclaimExpired(ctx context.Context, lease time.Duration) ([]*Event, error) {
	cutoff := s.now().Add(-lease).UnixNano()

	var reclaimed []*Event
	err := s.inTxRetry(ctx, statusReportAttempts, func(tx *Tx) error {
		reclaimed = reclaimed[:0]
		ds := s.qb.From("events").
			Select(EventColumns("")...).
			Where(
				goqu.C("status").Eq(string(StatusInProgress)),
				goqu.C("depends_on").IsNotNull(),
				goqu.C("updated_at").Lt(cutoff),
			).
			Order(goqu.C("creation_order").Asc()).
			Limit(reclaimBatchSize)

		expired, err := tx.SelectEvents(ctx, ds)
		if err != nil {
			return err
		}
		for _, ev := range expired {
			if err := tx.transition(ctx, ev, FailureStatus(ev)); err != nil {
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				return err
			}
			reclaimed = append(reclaimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired claims: %w", err)
	}
	return reclaimed, nil
}

// FailureStatus is the status a failed attempt of claim settles in
func FailureStatus(claim *Event) Status {
	if claim.Retries+1 < claim.MaxRetries {
		return StatusRestarted
	}
	return StatusFailed
}
