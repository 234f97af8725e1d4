package publisher

import "time"

// Change kinds recorded in the feed
const (
	ChangeDispatched = "dispatched" // Producer appended a pending event
	ChangeClaimed    = "claimed"    // A stream claimed a source event
	ChangeStatus     = "status"     // Status report, heartbeat or reclaim
)

// FeedEvent is one committed change to the events table
type FeedEvent struct {
	SeqNum      uint64                 `json:"seq"`
	Change      string                 `json:"change"`
	EventID     string                 `json:"event_id"`
	Topic       string                 `json:"topic"`
	Sender      string                 `json:"sender"`
	UserName    string                 `json:"user_name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Status      string                 `json:"status"`
	DependsOn   string                 `json:"depends_on,omitempty"`
	Retries     int                    `json:"retries"`
	MaxRetries  int                    `json:"max_retries"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CommitTS    int64                  `json:"commit_ts"` // Unix ms
	NodeID      uint64                 `json:"node_id"`
}

// Key returns the partition key for the record. Claims share the key of
// their source event so every attempt on it lands on one partition.
func (e *FeedEvent) Key() string {
	if e.DependsOn != "" {
		return e.DependsOn
	}
	return e.EventID
}

// Sink represents a destination for feed records (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a record to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts feed records to sink-specific formats
type Transformer interface {
	Transform(event FeedEvent) ([]byte, error)
}

// Filter determines whether a record for an event topic should be published
type Filter interface {
	Match(topic string) bool
}
