package notifier

import (
	"testing"
	"time"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/stretchr/testify/assert"
)

func TestRunForwardsStoredUntilDone(t *testing.T) {
	stored := make(chan events.StoredEvent, 1)
	failed := make(chan events.FailedEvent, 1)
	done := make(chan struct{})

	p := &Publisher{subject: "snapshot.events", maxRetries: 0}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()

	finished := make(chan struct{})
	go func() {
		p.Run(stored, failed, done)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after done was closed")
	}
}

func TestNewPublisherDefaultsRetries(t *testing.T) {
	p := NewPublisher(nil, "subj", 0)
	assert.Equal(t, 3, p.maxRetries)
}
