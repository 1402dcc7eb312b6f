package storage

import (
	"context"
	"os"
	"sync"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
)

// Worker drains captured events through an Adapter with a fixed pool
// of goroutines, the same fixed-worker-pool-over-a-channel shape the
// teacher uses for its health check scheduler, minus the periodic
// dispatch ticker since captures arrive event-driven rather than on a
// schedule.
type Worker struct {
	adapter           Adapter
	bus               *events.Bus
	concurrency       int
	deleteLocalDefault bool
	useDeviceTZOffset bool

	jobs <-chan events.CapturedEvent
	wg   sync.WaitGroup
}

func NewWorker(adapter Adapter, bus *events.Bus, concurrency int, deleteLocalDefault, useDeviceTZOffset bool) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		adapter:            adapter,
		bus:                bus,
		concurrency:        concurrency,
		deleteLocalDefault: deleteLocalDefault,
		useDeviceTZOffset:  useDeviceTZOffset,
	}
}

// Start subscribes to captured events and spawns the worker pool. The
// subscription's own buffer (sized concurrency*4) is the bounded queue
// called for in §4.9.
func (w *Worker) Start() {
	jobs := w.bus.SubscribeCaptured(w.concurrency * 4)
	w.jobs = jobs
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(jobs)
	}
}

// QueueDepth reports how many captured events are waiting to be
// stored. Zero before Start is called.
func (w *Worker) QueueDepth() int {
	return len(w.jobs)
}

// Stop waits up to the caller's bound (enforced by ctx) for in-flight
// jobs to finish. The underlying subscription channel has no explicit
// close signal; callers rely on process shutdown to stop new captured
// events from arriving.
func (w *Worker) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (w *Worker) run(jobs <-chan events.CapturedEvent) {
	defer w.wg.Done()
	for e := range jobs {
		w.process(e)
	}
}

func (w *Worker) process(e events.CapturedEvent) {
	day := DeriveDay(e.CapturedAt, e.TZOffsetHours, e.HasTZOffset, w.useDeviceTZOffset)

	req := Request{
		LocalPath:  e.LocalPath,
		DeviceID:   e.DeviceID,
		PayloadID:  e.PayloadID,
		CapturedAt: e.CapturedAt,
		Day:        day,
	}

	result, err := w.adapter.Store(context.Background(), req)
	if err != nil {
		w.bus.PublishFailed(events.FailedEvent{
			SessionID: e.SessionID,
			DeviceID:  e.DeviceID,
			PayloadID: e.PayloadID,
			Remote:    e.Remote,
			Stage:     events.StageStore,
			Error:     err.Error(),
		})
		return
	}

	shouldDelete := w.deleteLocalDefault
	if result.DeleteLocalSet {
		shouldDelete = result.DeleteLocal
	}
	if shouldDelete {
		os.Remove(e.LocalPath)
	}

	w.bus.PublishStored(events.StoredEvent{
		CapturedEvent: e,
		Storage:       result.Storage,
		StoredURI:     result.StoredURI,
		Day:           day,
	})
}
