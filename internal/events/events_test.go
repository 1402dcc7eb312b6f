package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishCapturedDeliversToSubscriber(t *testing.T) {
	bus := NewBus(4)
	sub := bus.SubscribeCaptured(4)

	bus.PublishCaptured(CapturedEvent{SessionID: "s1", DeviceID: "devA"})

	select {
	case e := <-sub:
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, "devA", e.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for captured event")
	}
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(4)
	sub1 := bus.SubscribeFailed(4)
	sub2 := bus.SubscribeFailed(4)

	bus.PublishFailed(FailedEvent{SessionID: "s1", Stage: StageCapture, Error: "boom"})

	for _, sub := range []<-chan FailedEvent{sub1, sub2} {
		select {
		case e := <-sub:
			assert.Equal(t, StageCapture, e.Stage)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestPublishDoesNotBlockWhenSubscriberQueueFull(t *testing.T) {
	bus := NewBus(4)
	sub := bus.SubscribeStored(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.PublishStored(StoredEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked despite full subscriber queue")
	}
	_ = sub
}

func TestSubscribeBeforePublishReceivesEvent(t *testing.T) {
	bus := NewBus(4)
	sub := bus.SubscribeCaptured(1)

	require.NotNil(t, sub)
	bus.PublishCaptured(CapturedEvent{DeviceID: "devB"})

	select {
	case e := <-sub:
		assert.Equal(t, "devB", e.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
