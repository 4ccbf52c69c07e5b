package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	bus.Subscribe(EventJobPushed, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(EventJobPushed, map[string]interface{}{"job_id": "job_1700000000_deadbeef"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("got %d events, want 1", len(received))
	}
	e := received[0]
	if e.Type != EventJobPushed {
		t.Errorf("type = %s, want %s", e.Type, EventJobPushed)
	}
	if e.ID == "" {
		t.Error("event id should be populated")
	}
	if e.Data["job_id"] != "job_1700000000_deadbeef" {
		t.Errorf("job_id = %v", e.Data["job_id"])
	}
}

func TestBusTypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int64
	bus.Subscribe(EventTaskCompleted, func(Event) {
		count.Add(1)
	})

	bus.Publish(EventTaskFailed, nil)
	bus.Publish(EventJobPushed, nil)

	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("subscriber received %d events for other types", count.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int64
	unsub := bus.Subscribe(EventTaskStarted, func(Event) {
		count.Add(1)
	})
	unsub()

	bus.Publish(EventTaskStarted, nil)
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("unsubscribed subscriber received %d events", count.Load())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var count atomic.Int64
	done := make(chan struct{}, 2)
	unsub := bus.SubscribeAll([]EventType{EventJobFailed, EventTaskFailed}, func(Event) {
		count.Add(1)
		done <- struct{}{}
	})
	defer unsub()

	bus.Publish(EventJobFailed, nil)
	bus.Publish(EventTaskFailed, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	if count.Load() != 2 {
		t.Errorf("got %d events, want 2", count.Load())
	}
}

func TestBusPanickingSubscriber(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	done := make(chan struct{}, 2)
	bus.Subscribe(EventJobCompleted, func(Event) {
		done <- struct{}{}
		panic("subscriber bug")
	})

	// A panic in the subscriber must not kill delivery of later events.
	bus.Publish(EventJobCompleted, nil)
	bus.Publish(EventJobCompleted, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery stopped after subscriber panic")
		}
	}
}

func TestBusNonBlockingPublish(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventTaskRequeued, func(Event) {
		<-block
	})

	// Flood well past the buffer; Publish must return regardless.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventTaskRequeued, nil)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}
