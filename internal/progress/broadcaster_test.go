package progress

import (
	"context"
	"testing"
	"time"

	"checkforge/internal/checkpoint"
)

func TestSubscribeReceivesOnlySubsequentEvents(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	b.Publish(Event{ItemID: "a", StageIndex: 0, Status: checkpoint.StatusRunning})

	sub := b.Subscribe("a")
	defer b.Unsubscribe(sub)

	select {
	case evt := <-sub.Events():
		t.Fatalf("late subscriber must not see earlier events, got %+v", evt)
	default:
	}

	b.Publish(Event{ItemID: "a", StageIndex: 1, Status: checkpoint.StatusRunning})

	select {
	case evt := <-sub.Events():
		if evt.StageIndex != 1 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestPublishFiltersByItem(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	subA := b.Subscribe("a")
	subB := b.Subscribe("b")
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(Event{ItemID: "a", Message: "for a"})

	select {
	case evt := <-subA.Events():
		if evt.ItemID != "a" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a missed its event")
	}

	select {
	case evt := <-subB.Events():
		t.Fatalf("subscriber b received foreign event: %+v", evt)
	default:
	}
}

func TestEventsDeliveredInPublishOrder(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	sub := b.Subscribe("a")
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(Event{ItemID: "a", StageIndex: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case evt := <-sub.Events():
			if evt.StageIndex != i {
				t.Fatalf("expected stage %d, got %d", i, evt.StageIndex)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(subscriberBuffer * 4)
	defer b.Close()

	sub := b.Subscribe("a")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(Event{ItemID: "a", StageIndex: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	if len(sub.Events()) != subscriberBuffer {
		t.Fatalf("expected full buffer of %d, got %d", subscriberBuffer, len(sub.Events()))
	}
}

func TestFetchReturnsEventsAfterCursor(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	b.Publish(Event{ItemID: "a", Message: "first"})
	b.Publish(Event{ItemID: "b", Message: "other"})
	b.Publish(Event{ItemID: "a", Message: "second"})

	events, next, err := b.Fetch(context.Background(), "a", 0, 10, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 2 || events[0].Message != "first" || events[1].Message != "second" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if next != 3 {
		t.Fatalf("expected cursor 3, got %d", next)
	}

	events, _, err = b.Fetch(context.Background(), "a", next, 10, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events past cursor, got %+v", events)
	}
}

func TestFetchWaitUnblocksOnPublish(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	type fetchResult struct {
		events []Event
		err    error
	}
	results := make(chan fetchResult, 1)
	go func() {
		events, _, err := b.Fetch(context.Background(), "a", 0, 10, true)
		results <- fetchResult{events: events, err: err}
	}()

	time.Sleep(50 * time.Millisecond)
	b.Publish(Event{ItemID: "a", Message: "wake"})

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("fetch: %v", res.err)
		}
		if len(res.events) != 1 || res.events[0].Message != "wake" {
			t.Fatalf("unexpected events: %+v", res.events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not wake on publish")
	}
}

func TestFetchWaitHonorsContextCancel(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := b.Fetch(ctx, "a", 0, 10, true)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(16)
	defer b.Close()

	sub := b.Subscribe("a")
	b.Unsubscribe(sub)

	if _, open := <-sub.Events(); open {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(16)
	sub := b.Subscribe("a")
	b.Close()

	if _, open := <-sub.Events(); open {
		t.Fatal("expected closed channel after broadcaster close")
	}

	// Publish after close is a no-op.
	b.Publish(Event{ItemID: "a"})
}

func TestFetchTruncatedCursorResumesWithoutLoss(t *testing.T) {
	b := NewBroadcaster(32)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Publish(Event{ItemID: "a", StageIndex: i, Status: checkpoint.StatusRunning})
	}

	first, next, err := b.Fetch(context.Background(), "a", 0, 3, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 events, got %d", len(first))
	}
	if next != first[2].Sequence {
		t.Fatalf("truncated fetch must anchor the cursor at the last delivered event, got next=%d want %d", next, first[2].Sequence)
	}

	rest, _, err := b.Fetch(context.Background(), "a", next, 0, false)
	if err != nil {
		t.Fatalf("fetch rest: %v", err)
	}
	if len(rest) != 7 {
		t.Fatalf("expected the 7 remaining events, got %d", len(rest))
	}
	if rest[0].StageIndex != 3 {
		t.Fatalf("resumed fetch started at stage %d, want 3", rest[0].StageIndex)
	}
}

func TestFetchExactLimitAdvancesToHead(t *testing.T) {
	b := NewBroadcaster(32)
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Publish(Event{ItemID: "a", StageIndex: i, Status: checkpoint.StatusRunning})
	}

	events, next, err := b.Fetch(context.Background(), "a", 0, 3, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if next != events[2].Sequence {
		t.Fatalf("draining fetch should land the cursor at the head, got next=%d want %d", next, events[2].Sequence)
	}

	again, _, err := b.Fetch(context.Background(), "a", next, 0, false)
	if err != nil {
		t.Fatalf("fetch again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no further events, got %d", len(again))
	}
}
