package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(EventToolInvoked, func(e Event) {
		received <- e
	})
	defer unsub()

	bus.Publish(EventToolInvoked, map[string]any{"tool_name": "tg_tool_crm_get_customer"})

	select {
	case e := <-received:
		if e.Type != EventToolInvoked {
			t.Errorf("type = %s", e.Type)
		}
		if e.Data["tool_name"] != "tg_tool_crm_get_customer" {
			t.Errorf("data = %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("zero timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersAreTypeScoped(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var leased int32
	unsub := bus.Subscribe(EventTaskLeased, func(Event) {
		atomic.AddInt32(&leased, 1)
	})
	defer unsub()

	bus.Publish(EventTaskEnqueued, nil)
	bus.Publish(EventTaskCompleted, nil)
	bus.Publish(EventTaskLeased, nil)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&leased) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&leased); n != 1 {
		t.Errorf("leased subscriber called %d times, want 1", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var calls int32
	unsub := bus.Subscribe(EventAccessDenied, func(Event) {
		atomic.AddInt32(&calls, 1)
	})

	bus.Publish(EventAccessDenied, nil)
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	unsub()
	bus.Publish(EventAccessDenied, nil)
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestPanickingSubscriberDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	unsubBad := bus.Subscribe(EventConfirmIssued, func(Event) {
		panic("subscriber bug")
	})
	defer unsubBad()

	received := make(chan struct{}, 2)
	unsub := bus.Subscribe(EventConfirmIssued, func(Event) {
		received <- struct{}{}
	})
	defer unsub()

	bus.Publish(EventConfirmIssued, nil)
	bus.Publish(EventConfirmIssued, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("healthy subscriber stopped receiving")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	unsub := bus.Subscribe(EventTaskCompleted, func(Event) {
		<-block
	})
	defer unsub()

	// Fill the subscriber: one event in-flight, one buffered, then overflow.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventTaskCompleted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}
