package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// Status is the lifecycle state of an event
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
	StatusRestarted  Status = "restarted"
)

// Status groups used when accounting a stream's claims on a source event
var (
	ActiveStatuses        = []Status{StatusPending, StatusInProgress}
	DoneStatuses          = []Status{StatusFinished}
	FailedAttemptStatuses = []Status{StatusRestarted, StatusFailed}
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusFinished, StatusFailed, StatusRestarted:
		return true
	}
	return false
}

// Terminal reports whether s settles its stream for good. A restarted claim
// leaves the stream open for another attempt.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Event is one row of the events table
type Event struct {
	ID            string                 `json:"id"`
	CreationOrder int64                  `json:"creation_order"`
	Topic         string                 `json:"topic"`
	Sender        string                 `json:"sender"`
	UserName      string                 `json:"user_name"`
	Description   string                 `json:"description"`
	Payload       map[string]interface{} `json:"payload"`
	Status        Status                 `json:"status"`
	DependsOn     string                 `json:"depends_on,omitempty"`
	Retries       int                    `json:"retries"`
	MaxRetries    int                    `json:"max_retries"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewEvent describes an event a producer dispatches
type NewEvent struct {
	Topic       string
	Sender      string
	UserName    string
	Description string
	Payload     map[string]interface{}

	// CreatedAt overrides the store clock when set; used to import history
	CreatedAt time.Time
}

// eventColumns is the fixed select order scanned by scanEvent
var eventColumns = []string{
	"id", "creation_order", "topic", "sender", "user_name", "description",
	"payload", "status", "depends_on", "retries", "max_retries", "created_at", "updated_at",
}

// EventColumns returns eventColumns qualified with alias, for goqu Select
func EventColumns(alias string) []interface{} {
	cols := make([]interface{}, len(eventColumns))
	for i, c := range eventColumns {
		if alias != "" {
			c = alias + "." + c
		}
		cols[i] = goqu.I(c)
	}
	return cols
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		payload   []byte
		status    string
		dependsOn sql.NullString
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(
		&ev.ID, &ev.CreationOrder, &ev.Topic, &ev.Sender, &ev.UserName, &ev.Description,
		&payload, &status, &dependsOn, &ev.Retries, &ev.MaxRetries, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Status = Status(status)
	ev.DependsOn = dependsOn.String
	ev.CreatedAt = time.Unix(0, createdAt).UTC()
	ev.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of event %s: %w", ev.ID, err)
		}
	}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}

	return &ev, nil
}

func encodePayload(p map[string]interface{}) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}
