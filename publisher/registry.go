package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/conveyor/cfg"
	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/notify"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the feed registry
type RegistryConfig struct {
	DataDir     string                  // Parent directory of the feed log
	NodeID      uint64                  // Stamped on every record
	Hub         *notify.Hub             // Wakes workers on append; created when nil
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry owns the feed log and the lifecycle of all feed workers.
// It receives committed changes from the event store as a db.ChangeNotifier.
type Registry struct {
	log     *FeedLog
	hub     *notify.Hub
	nodeID  uint64
	workers []*Worker
	cancels []func()
	running atomic.Bool
	mu      sync.Mutex
}

var _ db.ChangeNotifier = (*Registry)(nil)

// NewRegistry creates a new feed registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	feedLog, err := OpenFeedLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed log: %w", err)
	}

	hub := config.Hub
	if hub == nil {
		hub = notify.NewHub()
	}

	registry := &Registry{
		log:     feedLog,
		hub:     hub,
		nodeID:  config.NodeID,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			feedLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	names := make([]string, 0, len(config.SinkConfigs))
	for _, sinkCfg := range config.SinkConfigs {
		names = append(names, sinkCfg.Name)
	}
	if err := feedLog.Retain(names); err != nil {
		registry.closeSinks()
		feedLog.Close()
		return nil, err
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Uint64("last_seq", feedLog.LastSeq()).
		Msg("Feed registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	return r.addWorker(config, snk)
}

// addWorker wires an already constructed sink into a worker
func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	format := config.Format
	if format == "" {
		format = "json"
	}

	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewTopicFilter(config.FilterTopics)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	wake, cancel := r.hub.Subscribe(notify.Filter{Topics: filter.Matcher()})

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Wake:            wake,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		cancel()
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	r.cancels = append(r.cancels, cancel)

	// Late additions join a running registry immediately
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added feed sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting feed registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers, closes their sinks and the feed log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping feed registry")

	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close feed log")
	}

	log.Info().Msg("Feed registry stopped")
}

func (r *Registry) closeSinks() {
	for _, cancel := range r.cancels {
		cancel()
	}
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// Append adds records to the feed log and wakes matching workers
func (r *Registry) Append(events []FeedEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	if err := r.log.Append(events); err != nil {
		return err
	}

	for i := range events {
		r.hub.Signal(events[i].Topic, events[i].SeqNum)
	}
	return nil
}

// EventsCommitted records the changes of one committed store transaction.
// Failures are logged; the store transaction is already durable.
func (r *Registry) EventsCommitted(changes []db.Change) {
	records := ConvertToFeedEvents(changes, time.Now(), r.nodeID)
	if len(records) == 0 {
		return
	}

	if err := r.Append(records); err != nil {
		log.Error().Err(err).Int("records", len(records)).Msg("Failed to append feed records")
	}
}

// Workers returns the configured workers
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// LastSeq returns the sequence number of the newest feed record
func (r *Registry) LastSeq() uint64 {
	return r.log.LastSeq()
}

// SinkCursors returns the last handled sequence number of every worker
func (r *Registry) SinkCursors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		out[w.Name()] = w.Cursor()
	}
	return out
}

// NewSink creates a sink through the factory registered for config.Type
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
