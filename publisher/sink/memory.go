package sink

import (
	"errors"
	"sync"

	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/publisher"
	"github.com/rs/zerolog/log"
)

// DefaultMemoryCapacity bounds a memory sink when batch_size is not set
const DefaultMemoryCapacity = 1024

// ErrSinkClosed is returned when publishing to a closed memory sink
var ErrSinkClosed = errors.New("sink is closed")

func init() {
	publisher.RegisterSink("memory", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewMemorySink(config.Name, config.BatchSize*16), nil
	})
}

// Message is a record held by a MemorySink
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemorySink keeps the most recent published records in process.
type MemorySink struct {
	name     string
	capacity int

	mu       sync.Mutex
	messages []Message
	total    uint64
	closed   bool
}

var _ publisher.Sink = (*MemorySink)(nil)

// NewMemorySink creates a sink retaining at most capacity records
func NewMemorySink(name string, capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{
		name:     name,
		capacity: capacity,
		messages: make([]Message, 0, min(capacity, 64)),
	}
}

// Publish stores a copy of value, evicting the oldest record when full
func (m *MemorySink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}

	if len(m.messages) == m.capacity {
		copy(m.messages, m.messages[1:])
		m.messages = m.messages[:len(m.messages)-1]
	}
	m.messages = append(m.messages, Message{
		Topic: topic,
		Key:   key,
		Value: append([]byte(nil), value...),
	})
	m.total++

	log.Debug().
		Str("sink", m.name).
		Str("topic", topic).
		Str("key", key).
		Int("bytes", len(value)).
		Msg("Feed record")
	return nil
}

// Messages returns the retained records, oldest first
func (m *MemorySink) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Total returns the number of records ever published
func (m *MemorySink) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Close rejects further publishes; retained records stay readable
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
