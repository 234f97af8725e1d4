package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Tx is a store transaction. Events inserted or transitioned through it are
// reported to the store notifier after commit.
type Tx struct {
	tx      *sql.Tx
	store   *EventStore
	changed []Change
}

func (t *Tx) record(op ChangeOp, ev *Event) {
	snapshot := *ev
	t.changed = append(t.changed, Change{Op: op, Event: &snapshot})
}

// Builder returns a goqu builder for the store dialect
func (t *Tx) Builder() goqu.DialectWrapper {
	return t.store.qb
}

// Now returns the store clock
func (t *Tx) Now() time.Time {
	return t.store.now()
}

// LockStream serializes concurrent transactions touching the same stream
func (t *Tx) LockStream(ctx context.Context, stream string) error {
	return t.store.dialect.LockStream(ctx, t.tx, stream)
}

// SelectEvent runs ds and scans the first row. It returns nil without error
// when the query yields nothing.
func (t *Tx) SelectEvent(ctx context.Context, ds *goqu.SelectDataset) (*Event, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	ev, err := scanEvent(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select event: %w", err)
	}
	return ev, nil
}

// SelectEvents runs ds and scans every row
func (t *Tx) SelectEvents(ctx context.Context, ds *goqu.SelectDataset) ([]*Event, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	return collectEvents(rows)
}

// Count runs a single-column integer query such as SELECT COUNT(*)
func (t *Tx) Count(ctx context.Context, ds *goqu.SelectDataset) (int, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var n int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// Insert writes ev, assigning its id, timestamps and creation order
func (t *Tx) Insert(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = t.store.ids.NextID()
	}
	now := t.store.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}

	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}

	var dependsOn interface{}
	if ev.DependsOn != "" {
		dependsOn = ev.DependsOn
	}

	ds := t.store.qb.Insert("events").Rows(goqu.Record{
		"id":          ev.ID,
		"topic":       ev.Topic,
		"sender":      ev.Sender,
		"user_name":   ev.UserName,
		"description": ev.Description,
		"payload":     payload,
		"status":      string(ev.Status),
		"depends_on":  dependsOn,
		"retries":     ev.Retries,
		"max_retries": ev.MaxRetries,
		"created_at":  ev.CreatedAt.UnixNano(),
		"updated_at":  ev.UpdatedAt.UnixNano(),
	})

	if t.store.dialect.ReturnsInsertID() {
		query, args, err := ds.Returning("creation_order").Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&ev.CreationOrder); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	} else {
		query, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		if ev.CreationOrder, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read creation order: %w", err)
		}
	}

	t.record(OpInsert, ev)
	return nil
}

// transition moves an in_progress event to next and updates ev in place
func (t *Tx) transition(ctx context.Context, ev *Event, next Status) error {
	now := t.store.now()

	query, args, err := t.store.qb.Update("events").
		Set(goqu.Record{
			"status":     string(next),
			"updated_at": now.UnixNano(),
		}).
		Where(
			goqu.C("id").Eq(ev.ID),
			goqu.C("status").Eq(string(StatusInProgress)),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is no longer in progress", ErrInvalidTransition, ev.ID)
	}

	ev.Status = next
	ev.UpdatedAt = now
	t.record(OpTransition, ev)
	return nil
}
