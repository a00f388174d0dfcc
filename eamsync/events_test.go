package eamsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildfocus/equipcast_backend/eamsync"
)

func receiveEvent(t *testing.T, ch <-chan eamsync.Event) eamsync.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return eamsync.Event{}
	}
}

func TestPublishDeliversToOrgSubscribers(t *testing.T) {
	notifier := eamsync.NewNotifier(nil)
	ch1, cancel1 := notifier.Subscribe("org1")
	defer cancel1()
	ch2, cancel2 := notifier.Subscribe("org1")
	defer cancel2()
	other, cancelOther := notifier.Subscribe("org2")
	defer cancelOther()

	notifier.Publish(context.Background(), "org1", eamsync.Event{
		Type:       eamsync.EventSyncSuccess,
		ItemId:     7,
		EntityType: "equipment_forecast",
	})

	for _, ch := range []<-chan eamsync.Event{ch1, ch2} {
		ev := receiveEvent(t, ch)
		if ev.Type != eamsync.EventSyncSuccess || ev.ItemId != 7 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.OrganizationId != "org1" {
			t.Fatalf("organization not stamped: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("timestamp not stamped: %+v", ev)
		}
		if ev.Origin == "" {
			t.Fatalf("origin not stamped, relay cannot drop echoes: %+v", ev)
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("org2 subscriber must not see org1 events, got %+v", ev)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	notifier := eamsync.NewNotifier(nil)
	ch, cancel := notifier.Subscribe("org1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Buffer is 16; publish well past it without draining.
		for i := 0; i < 40; i++ {
			notifier.Publish(context.Background(), "org1", eamsync.Event{Type: eamsync.EventIngestStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered != 16 {
		t.Fatalf("expected buffer-sized delivery of 16, got %d", delivered)
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	notifier := eamsync.NewNotifier(nil)
	ch, cancel := notifier.Subscribe("org1")
	cancel()

	notifier.Publish(context.Background(), "org1", eamsync.Event{Type: eamsync.EventSyncQueued})

	select {
	case ev := <-ch:
		t.Fatalf("cancelled subscriber must not receive events, got %+v", ev)
	default:
	}
}
