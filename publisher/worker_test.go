package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/conveyor/notify"
)

// Mock implementations for testing

type mockSink struct {
	mu        sync.Mutex
	events    []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockPublishCall{
		topic: topic,
		key:   key,
		value: value,
	})
	return nil
}

func (m *mockSink) Close() error {
	return nil
}

func (m *mockSink) getEvents() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.events))
	copy(result, m.events)
	return result
}

func (m *mockSink) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type mockTransformer struct{}

func (m *mockTransformer) Transform(event FeedEvent) ([]byte, error) {
	return []byte(fmt.Sprintf("%s:%s:%d", event.Change, event.Topic, event.SeqNum)), nil
}

type failingTransformer struct{}

func (failingTransformer) Transform(FeedEvent) ([]byte, error) {
	return nil, fmt.Errorf("cannot encode")
}

type mockFilter struct {
	allowedTopics map[string]bool
}

func (m *mockFilter) Match(topic string) bool {
	if m.allowedTopics == nil {
		return true
	}
	return m.allowedTopics[topic]
}

func testWorkerConfig(feedLog *FeedLog, sink Sink) WorkerConfig {
	return WorkerConfig{
		Name:            "test-worker",
		Log:             feedLog,
		Sink:            sink,
		Transformer:     &mockTransformer{},
		Filter:          &mockFilter{},
		BatchSize:       10,
		PollInterval:    10 * time.Millisecond,
		RetryInitial:    10 * time.Millisecond,
		RetryMax:        100 * time.Millisecond,
		RetryMultiplier: 2.0,
	}
}

func TestNewWorker_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config WorkerConfig
	}{
		{"missing name", WorkerConfig{}},
		{"missing log", WorkerConfig{Name: "test"}},
		{"missing sink", WorkerConfig{Name: "test", Log: &FeedLog{}}},
		{"missing transformer", WorkerConfig{Name: "test", Log: &FeedLog{}, Sink: &mockSink{}}},
		{"missing filter", WorkerConfig{
			Name:        "test",
			Log:         &FeedLog{},
			Sink:        &mockSink{},
			Transformer: &mockTransformer{},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWorker(tt.config); err == nil {
				t.Error("expected error but got nil")
			}
		})
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	worker, err := NewWorker(WorkerConfig{
		Name:        "defaults",
		Log:         feedLog,
		Sink:        &mockSink{},
		Transformer: &mockTransformer{},
		Filter:      &mockFilter{},
	})
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	if worker.config.BatchSize != DefaultBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultBatchSize, worker.config.BatchSize)
	}
	if worker.config.RetryMultiplier != DefaultRetryMultiplier {
		t.Errorf("expected multiplier %v, got %v", DefaultRetryMultiplier, worker.config.RetryMultiplier)
	}
	if worker.config.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected max retries %d, got %d", DefaultMaxRetries, worker.config.MaxRetries)
	}
}

func TestWorker_NormalProcessing(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	events := []FeedEvent{
		{Change: ChangeDispatched, EventID: "e1", Topic: "ftrack.update", Status: "pending"},
		{Change: ChangeClaimed, EventID: "c1", DependsOn: "e1", Topic: "avalon.sync", Status: "in_progress"},
	}
	if err := feedLog.Append(events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	config := testWorkerConfig(feedLog, sink)
	config.TopicPrefix = "conveyor"

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	defer worker.Stop()

	waitForEvents(t, sink, 2, 2*time.Second)

	published := sink.getEvents()
	if len(published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(published))
	}

	if published[0].topic != "conveyor.ftrack.update" {
		t.Errorf("expected topic 'conveyor.ftrack.update', got '%s'", published[0].topic)
	}
	if published[0].key != "e1" {
		t.Errorf("expected key 'e1', got '%s'", published[0].key)
	}
	if string(published[0].value) != "dispatched:ftrack.update:1" {
		t.Errorf("unexpected value '%s'", string(published[0].value))
	}

	// Claims are keyed by their source event
	if published[1].topic != "conveyor.avalon.sync" || published[1].key != "e1" {
		t.Errorf("expected (conveyor.avalon.sync, e1), got (%s, %s)", published[1].topic, published[1].key)
	}

	waitForCursor(t, feedLog, "test-worker", 2, time.Second)
}

func TestWorker_NoTopicPrefix(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(1, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	worker, err := NewWorker(testWorkerConfig(feedLog, sink))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	defer worker.Stop()

	waitForEvents(t, sink, 1, 2*time.Second)
	if got := sink.getEvents()[0].topic; got != "ftrack.update" {
		t.Errorf("expected topic 'ftrack.update', got '%s'", got)
	}
}

func TestWorker_FilterSkipping(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	events := []FeedEvent{
		{EventID: "e1", Topic: "ftrack.update"},
		{EventID: "e2", Topic: "avalon.sync"}, // Filtered
		{EventID: "e3", Topic: "ftrack.update"},
	}
	if err := feedLog.Append(events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	config := testWorkerConfig(feedLog, sink)
	config.Filter = &mockFilter{allowedTopics: map[string]bool{"ftrack.update": true}}

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	defer worker.Stop()

	waitForEvents(t, sink, 2, 2*time.Second)

	published := sink.getEvents()
	if len(published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(published))
	}
	if published[0].key != "e1" || published[1].key != "e3" {
		t.Errorf("expected keys e1, e3 got %s, %s", published[0].key, published[1].key)
	}

	// Filtered records still advance the cursor
	waitForCursor(t, feedLog, "test-worker", 3, time.Second)
}

func TestWorker_RetryOnFailure(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(1, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	sink.failCount.Store(2) // Fail twice, then succeed

	worker, err := NewWorker(testWorkerConfig(feedLog, sink))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	defer worker.Stop()

	waitForEvents(t, sink, 1, 2*time.Second)

	if n := sink.eventCount(); n != 1 {
		t.Fatalf("expected 1 published event, got %d", n)
	}
	waitForCursor(t, feedLog, "test-worker", 1, time.Second)
}

func TestWorker_HaltsAfterMaxRetries(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(2, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	sink.failCount.Store(1000)

	config := testWorkerConfig(feedLog, sink)
	config.MaxRetries = 3
	config.RetryInitial = time.Millisecond
	config.RetryMax = 2 * time.Millisecond

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()

	select {
	case <-worker.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker should halt after exhausting retries")
	}
	worker.Stop()

	// Nothing published, cursor untouched so the record is retried on restart
	cursor, err := feedLog.Cursor("test-worker")
	if err != nil {
		t.Fatalf("failed to get cursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected cursor 0, got %d", cursor)
	}
	if got := int(sink.failCount.Load()); got != 1000-3 {
		t.Errorf("expected 3 publish attempts, got %d", 1000-got)
	}
	if worker.Err() == nil {
		t.Error("expected halt error")
	}
}

// flakyAfterSink accepts the first n publishes and rejects the rest
type flakyAfterSink struct {
	mockSink
	accept atomic.Int32
}

func (f *flakyAfterSink) Publish(topic, key string, value []byte) error {
	if f.accept.Add(-1) < 0 {
		return fmt.Errorf("broker gone")
	}
	return f.mockSink.Publish(topic, key, value)
}

func TestWorker_HaltKeepsProgressWithinBatch(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(5, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &flakyAfterSink{}
	sink.accept.Store(2)

	config := testWorkerConfig(feedLog, sink)
	config.MaxRetries = 1

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	select {
	case <-worker.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker should halt")
	}
	worker.Stop()

	// The two accepted records are committed, the rejected one is not
	cursor, err := feedLog.Cursor("test-worker")
	if err != nil {
		t.Fatalf("failed to get cursor: %v", err)
	}
	if cursor != 2 || worker.Cursor() != 2 {
		t.Errorf("expected cursor 2, got persisted %d in-memory %d", cursor, worker.Cursor())
	}

	// Restart resumes at the rejected record
	sink.accept.Store(10)
	worker.Start()
	defer worker.Stop()

	waitForCursor(t, feedLog, "test-worker", 5, 2*time.Second)
	if worker.Err() != nil {
		t.Errorf("expected healthy worker after restart, got %v", worker.Err())
	}
}

func TestWorker_TransformErrorHalts(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(1, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}

	sink := &mockSink{}
	config := testWorkerConfig(feedLog, sink)
	config.Transformer = failingTransformer{}

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	select {
	case <-worker.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker should halt on transform error")
	}
	worker.Stop()

	if sink.eventCount() != 0 {
		t.Errorf("expected nothing published, got %d", sink.eventCount())
	}
}

func TestWorker_WakeSignalSkipsPollInterval(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	hub := notify.NewHub()
	wake, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	sink := &mockSink{}
	config := testWorkerConfig(feedLog, sink)
	config.PollInterval = time.Hour
	config.Wake = wake

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	defer worker.Stop()

	// Let the worker reach its idle wait on an empty log
	time.Sleep(50 * time.Millisecond)

	events := feedEvents(1, "ftrack.update")
	if err := feedLog.Append(events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}
	hub.Signal(events[0].Topic, events[0].SeqNum)

	waitForEvents(t, sink, 1, time.Second)
}

func TestWorker_ResumesFromPersistedCursor(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	if err := feedLog.Append(feedEvents(5, "ftrack.update")); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}
	if err := feedLog.AdvanceCursor("test-worker", 3); err != nil {
		t.Fatalf("failed to advance cursor: %v", err)
	}

	sink := &mockSink{}
	worker, err := NewWorker(testWorkerConfig(feedLog, sink))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	if worker.Cursor() != 3 {
		t.Fatalf("expected cursor 3, got %d", worker.Cursor())
	}

	worker.Start()
	defer worker.Stop()

	waitForEvents(t, sink, 2, 2*time.Second)
	published := sink.getEvents()
	if published[0].key != "event-4" || published[1].key != "event-5" {
		t.Errorf("expected event-4, event-5 got %s, %s", published[0].key, published[1].key)
	}
}

func TestWorker_GracefulShutdown(t *testing.T) {
	feedLog, cleanup := createTestFeedLog(t)
	defer cleanup()

	config := testWorkerConfig(feedLog, &mockSink{})
	config.PollInterval = 50 * time.Millisecond

	worker, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	worker.Start()
	if !worker.running.Load() {
		t.Error("worker should be running")
	}

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop within timeout")
	}

	if worker.running.Load() {
		t.Error("worker should not be running")
	}

	// Stop is idempotent
	worker.Stop()
}

// Helper functions

func createTestFeedLog(t *testing.T) (*FeedLog, func()) {
	t.Helper()
	feedLog, err := OpenFeedLog(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create feed log: %v", err)
	}
	return feedLog, func() {
		feedLog.Close()
	}
}

func waitForEvents(t *testing.T, sink *mockSink, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sink.eventCount() >= expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d events, got %d", expected, sink.eventCount())
}

func waitForCursor(t *testing.T, feedLog *FeedLog, name string, expected uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		cursor, err := feedLog.Cursor(name)
		if err != nil {
			t.Fatalf("failed to get cursor: %v", err)
		}
		if cursor == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cursor %d, got %d", expected, cursor)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
