package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/conveyor/notify"
	"github.com/maxpert/conveyor/telemetry"
	"github.com/rs/zerolog/log"
)

// Worker defaults
const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures a feed worker. Name doubles as the cursor name.
type WorkerConfig struct {
	Name        string
	Log         *FeedLog
	Sink        Sink
	Transformer Transformer
	Filter      Filter

	// Wake, when set, ends an idle wait as soon as a matching record is appended
	Wake <-chan notify.Signal

	// TopicPrefix is prepended to the event topic as "<prefix>.<topic>"
	TopicPrefix string

	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

func (c WorkerConfig) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("worker name is required")
	case c.Log == nil:
		return fmt.Errorf("feed log is required")
	case c.Sink == nil:
		return fmt.Errorf("sink is required")
	case c.Transformer == nil:
		return fmt.Errorf("transformer is required")
	case c.Filter == nil:
		return fmt.Errorf("filter is required")
	}
	return nil
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Worker relays FeedLog records to one sink. Delivery is at-least-once: the
// persisted cursor only moves past records the sink accepted or the filter
// skipped, and it is committed once per batch.
type Worker struct {
	config WorkerConfig
	cursor atomic.Uint64

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
	halted  atomic.Pointer[error]
	mu      sync.Mutex
}

// NewWorker creates a worker positioned at its persisted cursor. A sink
// without one starts at the oldest record still in the log.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	cursor, err := config.Log.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor == 0 {
		oldest, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find oldest record: %w", err)
		}
		if len(oldest) > 0 {
			cursor = oldest[0].SeqNum - 1
		}
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the sequence number of the last handled record
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Err returns the error that halted the worker, nil while it is healthy
func (w *Worker) Err() error {
	if p := w.halted.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.halted.Store(nil)

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting feed worker")

	go w.run()
}

// Stop signals the loop and waits for the in-flight batch to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Feed worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	for !w.stopping() {
		batch, err := w.config.Log.ReadFrom(w.cursor.Load(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Failed to read feed log")
			w.wait(w.config.PollInterval)
			continue
		}
		if len(batch) == 0 {
			w.idle()
			continue
		}

		start := time.Now()
		handled, err := w.deliver(batch)
		if handled > w.cursor.Load() {
			w.commit(handled)
		}
		telemetry.FeedPublishDurationSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())

		if errors.Is(err, errWorkerStopped) {
			return
		}
		if err != nil {
			w.halted.Store(&err)
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Feed worker halted, restart to resume from cursor")
			return
		}
	}
}

// deliver publishes batch in order and returns the last sequence number handled
func (w *Worker) deliver(batch []FeedEvent) (uint64, error) {
	var handled uint64
	for _, ev := range batch {
		if w.config.Filter.Match(ev.Topic) {
			data, err := w.config.Transformer.Transform(ev)
			if err != nil {
				return handled, fmt.Errorf("failed to transform record %d: %w", ev.SeqNum, err)
			}
			if err := w.publish(w.topicFor(ev.Topic), ev.Key(), data); err != nil {
				return handled, err
			}
			telemetry.FeedPublishedTotal.With(w.config.Name).Inc()
		}
		handled = ev.SeqNum
	}
	return handled, nil
}

func (w *Worker) commit(seq uint64) {
	w.cursor.Store(seq)
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to persist cursor, records may be redelivered")
	}
}

func (w *Worker) topicFor(eventTopic string) string {
	if w.config.TopicPrefix == "" {
		return eventTopic
	}
	return w.config.TopicPrefix + "." + eventTopic
}

// publish retries with exponential backoff until MaxRetries attempts fail
func (w *Worker) publish(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	for attempt := 1; ; attempt++ {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}
		telemetry.FeedPublishErrorsTotal.With(w.config.Name).Inc()

		if attempt >= w.config.MaxRetries {
			return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, attempt, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Feed publish failed")

		if !w.wait(delay) {
			return errWorkerStopped
		}
		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// idle waits out the poll interval or until a wake signal arrives.
// A closed wake channel falls back to plain polling.
func (w *Worker) idle() {
	if w.config.Wake == nil {
		w.wait(w.config.PollInterval)
		return
	}

	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
	case <-timer.C:
	case _, ok := <-w.config.Wake:
		if !ok {
			w.config.Wake = nil
		}
	}
}

// wait sleeps for d and reports false if the worker was stopped meanwhile
func (w *Worker) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
