package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	eb := NewEventBus(4)
	defer eb.Close()

	ch := eb.Subscribe(EventSegmentDownloaded)
	other := eb.Subscribe(EventSegmentFailed)

	eb.Publish(&SegmentEvent{
		BaseEvent: BaseEvent{EventType: EventSegmentDownloaded, Time: time.Now()},
		Key:       "k",
		Index:     3,
	})

	select {
	case ev := <-ch:
		se, ok := ev.(*SegmentEvent)
		require.True(t, ok)
		require.Equal(t, 3, se.Index)
	case <-time.After(time.Second):
		t.Fatal("expected event on matching subscription")
	}

	select {
	case <-other:
		t.Fatal("non-matching subscription should not receive the event")
	default:
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	eb := NewEventBus(4)
	defer eb.Close()

	all := eb.SubscribeAll()
	eb.PublishStateChange("k", "pending", "running")

	select {
	case ev := <-all:
		sc, ok := ev.(*StateChangeEvent)
		require.True(t, ok)
		require.Equal(t, "pending", sc.OldStatus)
		require.Equal(t, "running", sc.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected state change event")
	}
}

func TestPublishNonBlockingDropsOnFullBuffer(t *testing.T) {
	eb := NewEventBus(1)
	defer eb.Close()

	ch := eb.Subscribe(EventProgress)
	ev := func() Event {
		return &ProgressEvent{BaseEvent: BaseEvent{EventType: EventProgress, Time: time.Now()}}
	}

	eb.Publish(ev())
	eb.Publish(ev()) // subscriber buffer (size 1) already full, this one drops

	require.Equal(t, int64(1), eb.GetDroppedEventCount())
	<-ch // drain the one that made it through
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	eb := NewEventBus(4)
	ch := eb.Subscribe(EventComplete)

	eb.Close()

	_, open := <-ch
	require.False(t, open)

	// Publish and Subscribe after Close must not panic.
	eb.Publish(&CompleteEvent{BaseEvent: BaseEvent{EventType: EventComplete, Time: time.Now()}})
	closedCh := eb.Subscribe(EventComplete)
	_, open = <-closedCh
	require.False(t, open)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := NewEventBus(4)
	defer eb.Close()

	ch := eb.Subscribe(EventError)
	eb.Unsubscribe(EventError, ch)

	eb.Publish(&ErrorEvent{BaseEvent: BaseEvent{EventType: EventError, Time: time.Now()}, Key: "k"})

	select {
	case _, open := <-ch:
		require.False(t, open, "channel should remain empty, not closed, after Unsubscribe")
	default:
	}
}

func TestLogLevelString(t *testing.T) {
	cases := map[LogLevel]string{
		DebugLevel:   "DEBUG",
		InfoLevel:    "INFO",
		WarnLevel:    "WARN",
		ErrorLevel:   "ERROR",
		LogLevel(99): "UNKNOWN",
	}
	for level, want := range cases {
		require.Equal(t, want, level.String())
	}
}

func TestNewEventBusBufferSizeBounds(t *testing.T) {
	eb := NewEventBus(0)
	require.Equal(t, 1000, eb.bufferSize)

	eb2 := NewEventBus(50000)
	require.Equal(t, 10000, eb2.bufferSize)
}
