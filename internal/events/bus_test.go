package events

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assigned(id scheduler.TaskID) TaskAssigned {
	return TaskAssigned{Meta: Now(1), TaskID: id, WorkerID: "backend-worker-001"}
}

// TestEmitSubscribe verifies basic emit/subscribe functionality.
func TestEmitSubscribe(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	defer b.Close()

	ch := b.SubscribeAll(10)
	b.Emit(assigned(1))

	select {
	case received := <-ch:
		if received.Entity() != "task:1" {
			t.Errorf("expected entity 'task:1', got '%s'", received.Entity())
		}
		if received.EventType() != TypeTaskAssigned {
			t.Errorf("expected event type '%s', got '%s'", TypeTaskAssigned, received.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	defer b.Close()

	ch1 := b.SubscribeAll(10)
	ch2 := b.SubscribeAll(10)

	b.Emit(WorkerRetired{Meta: Now(1), WorkerID: "test-worker-002", CompletedCount: 3})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Entity() != "worker:test-worker-002" {
				t.Errorf("subscriber %d: got entity %q", i+1, received.Entity())
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestTypeFilter verifies that typed subscriptions only see their types.
func TestTypeFilter(t *testing.T) {
	b := NewBroadcaster(10, testLogger())

	taskCh := b.Subscribe(10, TypeTaskAssigned, TypeTaskUnblocked)
	workerCh := b.Subscribe(10, TypeWorkerCreated)

	b.Emit(WorkerCreated{Meta: Now(1), WorkerID: "backend-worker-001", WorkerType: scheduler.WorkerBackend})
	b.Emit(assigned(4))
	b.Emit(TaskUnblocked{Meta: Now(1), TaskID: 5})
	b.Close()

	var taskTypes []Type
	for e := range taskCh {
		taskTypes = append(taskTypes, e.EventType())
	}
	if len(taskTypes) != 2 || taskTypes[0] != TypeTaskAssigned || taskTypes[1] != TypeTaskUnblocked {
		t.Errorf("task subscriber got %v", taskTypes)
	}

	var workerCount int
	for e := range workerCh {
		if e.EventType() != TypeWorkerCreated {
			t.Errorf("worker subscriber got %s", e.EventType())
		}
		workerCount++
	}
	if workerCount != 1 {
		t.Errorf("worker subscriber got %d events, want 1", workerCount)
	}
}

// TestEmissionOrder verifies events from many goroutines keep per-entity order.
func TestEmissionOrder(t *testing.T) {
	b := NewBroadcaster(4096, testLogger())
	ch := b.SubscribeAll(4096)

	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.Emit(WorkerRetired{
					Meta:           Now(1),
					WorkerID:       fmt.Sprintf("backend-worker-%03d", w),
					CompletedCount: i,
				})
			}
		}(w)
	}
	wg.Wait()
	b.Close()

	last := make(map[string]int)
	for e := range ch {
		r := e.(WorkerRetired)
		if prev, ok := last[r.WorkerID]; ok && r.CompletedCount <= prev {
			t.Fatalf("%s: event %d delivered after %d", r.WorkerID, r.CompletedCount, prev)
		}
		last[r.WorkerID] = r.CompletedCount
	}
}

// TestNonBlockingEmit verifies that emitting doesn't block when subscribers are full.
func TestNonBlockingEmit(t *testing.T) {
	b := NewBroadcaster(4, testLogger())
	defer b.Close()

	// Nobody reads this subscription
	_ = b.SubscribeAll(1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 1000; i++ {
			b.Emit(assigned(scheduler.TaskID(i)))
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter blocked (expected non-blocking behavior)")
	}
}

// TestSlowSubscriberLosesOldest verifies the drop-oldest delivery policy.
func TestSlowSubscriberLosesOldest(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	ch := b.SubscribeAll(1)

	for i := 1; i <= 3; i++ {
		b.Emit(assigned(scheduler.TaskID(i)))
	}
	b.Close()

	var got []scheduler.TaskID
	for e := range ch {
		got = append(got, e.(TaskAssigned).TaskID)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("slow subscriber kept %v, want [3]", got)
	}
	if b.Evicted() != 2 {
		t.Errorf("Evicted() = %d, want 2", b.Evicted())
	}
}

// TestFullIngressDropsNewest verifies Emit drops and counts when the
// ingress buffer is full.
func TestFullIngressDropsNewest(t *testing.T) {
	// No dispatcher, so the ingress never drains.
	b := &Broadcaster{
		logger: testLogger(),
		in:     make(chan Event, 1),
		done:   make(chan struct{}),
		subs:   make(map[<-chan Event]*subscription),
	}

	b.Emit(assigned(1))
	b.Emit(assigned(2))
	b.Emit(assigned(3))

	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
	if e := <-b.in; e.(TaskAssigned).TaskID != 1 {
		t.Errorf("kept task %d, want the oldest (1)", e.(TaskAssigned).TaskID)
	}
}

// TestCloseSignalsSubscribers verifies that closing closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	ch := b.SubscribeAll(10)

	b.Close()
	b.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	late := b.SubscribeAll(1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestEmitAfterClose verifies emitting after close doesn't panic.
func TestEmitAfterClose(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	b.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("emitting after close caused panic: %v", r)
		}
	}()
	b.Emit(assigned(1))
}

// TestConcurrentEmitAndClose races emitters against Close.
func TestConcurrentEmitAndClose(t *testing.T) {
	b := NewBroadcaster(8, testLogger())
	_ = b.SubscribeAll(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				b.Emit(assigned(scheduler.TaskID(j)))
			}
		}()
	}
	b.Close()
	wg.Wait()
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster(10, testLogger())
	defer b.Close()

	ch := b.SubscribeAll(10)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}

	// Delivery to remaining subscribers is unaffected.
	other := b.SubscribeAll(10)
	b.Emit(assigned(9))
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRecorderAndMulti(t *testing.T) {
	var r1, r2 Recorder
	m := Multi{&r1, &r2, Discard}

	m.Emit(assigned(1))
	m.Emit(TaskUnblocked{Meta: Now(1), TaskID: 2})

	for i, r := range []*Recorder{&r1, &r2} {
		if got := len(r.Events()); got != 2 {
			t.Errorf("recorder %d has %d events, want 2", i+1, got)
		}
		if got := len(r.OfType(TypeTaskUnblocked)); got != 1 {
			t.Errorf("recorder %d has %d unblocked events, want 1", i+1, got)
		}
	}
}
