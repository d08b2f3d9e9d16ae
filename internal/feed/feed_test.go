package feed

import (
	"testing"
	"time"
)

func recvOne[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription channel closed unexpectedly")
		}
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for feed value")
	}
	var zero T
	return zero
}

func TestSubscribeReplaysLatest(t *testing.T) {
	f := New[int]()
	f.Publish(1)
	f.Publish(2)

	sub := f.Subscribe()
	defer sub.Close()

	if got := recvOne(t, sub); got != 2 {
		t.Fatalf("expected replay of latest value 2, got %d", got)
	}
}

func TestSubscribeBeforeFirstPublish(t *testing.T) {
	f := New[string]()
	sub := f.Subscribe()
	defer sub.Close()

	select {
	case v := <-sub.C():
		t.Fatalf("expected no value before first publish, got %q", v)
	default:
	}

	f.Publish("hello")
	if got := recvOne(t, sub); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	f := New[int]()
	slow := f.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on slow subscriber")
	}

	// The slow subscriber sees the most recent value, not the backlog.
	if got := recvOne(t, slow); got != 99 {
		t.Fatalf("expected conflated latest value 99, got %d", got)
	}
}

func TestPublishDistinct(t *testing.T) {
	f := New[int]()
	eq := func(a, b int) bool { return a == b }

	if !f.PublishDistinct(5, eq) {
		t.Fatalf("first publish should not be suppressed")
	}
	if f.PublishDistinct(5, eq) {
		t.Fatalf("duplicate value should be suppressed")
	}
	if !f.PublishDistinct(6, eq) {
		t.Fatalf("changed value should be published")
	}

	sub := f.Subscribe()
	defer sub.Close()
	if got := recvOne(t, sub); got != 6 {
		t.Fatalf("expected latest value 6, got %d", got)
	}
}

func TestMulticastReachesAllSubscribers(t *testing.T) {
	f := New[int]()
	a := f.Subscribe()
	b := f.Subscribe()
	defer a.Close()
	defer b.Close()

	f.Publish(7)

	if got := recvOne(t, a); got != 7 {
		t.Fatalf("subscriber a: expected 7, got %d", got)
	}
	if got := recvOne(t, b); got != 7 {
		t.Fatalf("subscriber b: expected 7, got %d", got)
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	f := New[int]()
	sub := f.Subscribe()

	f.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected closed channel after feed close")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription channel not closed")
	}

	// Publishing after close must not panic or deliver.
	f.Publish(1)
	if _, ok := f.Latest(); ok {
		t.Fatalf("closed feed must not record new values")
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	f := New[int]()
	sub := f.Subscribe()
	sub.Close()
	sub.Close()

	f.Publish(3)
	if v, ok := f.Latest(); !ok || v != 3 {
		t.Fatalf("feed should keep working after subscriber detaches")
	}
}
