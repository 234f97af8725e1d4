package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/maxpert/conveyor/topic"
)

func topics(t *testing.T, patterns ...string) Filter {
	t.Helper()
	m, err := topic.Compile(patterns...)
	if err != nil {
		t.Fatalf("compile %v: %v", patterns, err)
	}
	return Filter{Topics: m}
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("ftrack.update", 1)

	select {
	case sig := <-signals:
		if sig.Topic != "ftrack.update" || sig.Seq != 1 {
			t.Errorf("expected (ftrack.update, 1), got (%s, %d)", sig.Topic, sig.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_FilterExactTopic(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(topics(t, "ftrack.update"))
	defer cancel()

	hub.Signal("ftrack.update", 1)

	select {
	case sig := <-signals:
		if sig.Topic != "ftrack.update" || sig.Seq != 1 {
			t.Errorf("expected (ftrack.update, 1), got (%s, %d)", sig.Topic, sig.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	hub.Signal("ftrack.create", 2)

	select {
	case sig := <-signals:
		t.Errorf("should not receive signal for ftrack.create, got (%s, %d)", sig.Topic, sig.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FilterWildcard(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(topics(t, "ftrack.*", "avalon.sync"))
	defer cancel()

	hub.Signal("ftrack.update", 1)
	hub.Signal("avalon.delete", 2) // Filtered out
	hub.Signal("avalon.sync", 3)

	received := make(map[string]uint64)
	for i := 0; i < 2; i++ {
		select {
		case sig := <-signals:
			received[sig.Topic] = sig.Seq
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for signal %d", i+1)
		}
	}

	if received["ftrack.update"] != 1 || received["avalon.sync"] != 3 {
		t.Errorf("received unexpected signals: %v", received)
	}

	select {
	case sig := <-signals:
		t.Errorf("should not receive signal, got (%s, %d)", sig.Topic, sig.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})

	hub.Signal("ftrack.update", 1)

	select {
	case <-signals:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent signals should not panic
	hub.Signal("ftrack.update", 2)
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	signals1, cancel1 := hub.Subscribe(Filter{})
	defer cancel1()
	signals2, cancel2 := hub.Subscribe(topics(t, "ftrack.*"))
	defer cancel2()
	signals3, cancel3 := hub.Subscribe(topics(t, "avalon.*"))
	defer cancel3()

	hub.Signal("ftrack.update", 1)

	for name, ch := range map[string]<-chan Signal{"signals1": signals1, "signals2": signals2} {
		select {
		case sig := <-ch:
			if sig.Topic != "ftrack.update" || sig.Seq != 1 {
				t.Errorf("%s: expected (ftrack.update, 1), got (%s, %d)", name, sig.Topic, sig.Seq)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout on %s", name)
		}
	}

	select {
	case sig := <-signals3:
		t.Errorf("signals3 should not receive, got (%s, %d)", sig.Topic, sig.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			signals, cancel := hub.Subscribe(Filter{})
			defer cancel()

			received := 0
			timeout := time.After(2 * time.Second)
			for received < numSignals {
				select {
				case <-signals:
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal("ftrack.update", uint64(i))
		}
	}()

	wg.Wait()
}

func TestHub_SignalDuringCancel(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); ; i++ {
			select {
			case <-stop:
				return
			default:
				hub.Signal("ftrack.update", i)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, cancel := hub.Subscribe(Filter{})
		cancel()
	}

	close(stop)
	wg.Wait()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// Fill the buffer (16) and send more
	for i := 0; i < 20; i++ {
		hub.Signal("ftrack.update", uint64(i))
	}

	received := 0
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case <-signals:
			received++
		case <-timeout:
			if received != defaultSignalBufferSize {
				t.Errorf("expected %d signals, got %d", defaultSignalBufferSize, received)
			}
			return
		}
	}
}

func TestHub_SignalBeforeSubscribe(t *testing.T) {
	hub := NewHub()

	hub.Signal("ftrack.update", 1)

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	select {
	case sig := <-signals:
		t.Errorf("should not receive old signal, got (%s, %d)", sig.Topic, sig.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub()

	_, cancel := hub.Subscribe(Filter{})

	cancel()
	cancel()
}

func TestHub_UniqueSubscriptionIDs(t *testing.T) {
	hub := NewHub()

	const numSubs = 100
	cancels := make([]func(), numSubs)

	for i := 0; i < numSubs; i++ {
		_, cancel := hub.Subscribe(Filter{})
		cancels[i] = cancel
	}

	if hub.Subscribers() != numSubs {
		t.Errorf("expected %d subscriptions, got %d", numSubs, hub.Subscribers())
	}

	for _, cancel := range cancels {
		cancel()
	}

	if hub.Subscribers() != 0 {
		t.Errorf("expected 0 subscriptions after cancel, got %d", hub.Subscribers())
	}
}
