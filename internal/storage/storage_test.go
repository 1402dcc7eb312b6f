package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDayUsesUTCWhenOffsetDisabled(t *testing.T) {
	at := time.Date(2026, 8, 6, 1, 0, 0, 0, time.UTC)
	day := DeriveDay(at, -5, true, false)
	assert.Equal(t, "2026-08-06", day)
}

func TestDeriveDayAppliesOffsetWhenEnabled(t *testing.T) {
	at := time.Date(2026, 8, 6, 1, 0, 0, 0, time.UTC)
	day := DeriveDay(at, -5, true, true)
	assert.Equal(t, "2026-08-05", day)
}

func TestDeriveDayTreatsOutOfRangeOffsetAsZero(t *testing.T) {
	at := time.Date(2026, 8, 6, 1, 0, 0, 0, time.UTC)
	day := DeriveDay(at, 99, true, true)
	assert.Equal(t, "2026-08-06", day)
}

func TestDeriveDayIsIdempotent(t *testing.T) {
	at := time.Date(2026, 8, 6, 1, 0, 0, 0, time.UTC)
	first := DeriveDay(at, -5, true, true)
	second := DeriveDay(at, -5, true, true)
	assert.Equal(t, first, second)
}

func TestLocalAdapterMovesFileIntoDayBucket(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "snap-x.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpeg-bytes"), 0o644))

	a := NewLocalAdapter(root)
	res, err := a.Store(context.Background(), Request{
		LocalPath: src,
		DeviceID:  "devA",
		Day:       "2026-08-06",
	})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Storage)
	assert.True(t, res.DeleteLocalSet)
	assert.False(t, res.DeleteLocal)

	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr), "source file should have been moved")
}

func TestS3AdapterStoresUnderDeviceAndDayPrefix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("location") {
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`))
			return
		}
		gotPath = r.URL.Path
		if r.Method == http.MethodPut {
			w.Header().Set("ETag", `"etag"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	src := filepath.Join(root, "snap-y.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpeg-bytes"), 0o644))

	a, err := NewS3Adapter(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "snapshots",
		AccessKey: "ak",
		SecretKey: "sk",
		UseSSL:    false,
	})
	require.NoError(t, err)

	res, err := a.Store(context.Background(), Request{
		LocalPath: src,
		DeviceID:  "devA",
		Day:       "2026-08-06",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", res.Storage)
	assert.Contains(t, gotPath, "devA/2026-08-06/snap-y.jpg")
	assert.False(t, res.DeleteLocalSet)
}

type fakeAdapter struct {
	result Result
	err    error
}

func (f *fakeAdapter) Store(ctx context.Context, req Request) (Result, error) {
	return f.result, f.err
}

func TestWorkerEmitsStoredOnSuccess(t *testing.T) {
	bus := events.NewBus(4)
	adapter := &fakeAdapter{result: Result{Storage: "local", StoredURI: "file:///x"}}
	w := NewWorker(adapter, bus, 1, true, false)

	storedSub := bus.SubscribeStored(4)
	w.Start()

	bus.PublishCaptured(events.CapturedEvent{SessionID: "s1", DeviceID: "devA", LocalPath: "/tmp/does-not-exist.jpg"})

	select {
	case e := <-storedSub:
		assert.Equal(t, "local", e.Storage)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stored event")
	}
}

func TestWorkerEmitsFailedOnAdapterError(t *testing.T) {
	bus := events.NewBus(4)
	adapter := &fakeAdapter{err: errors.New("disk full")}
	w := NewWorker(adapter, bus, 1, true, false)

	failedSub := bus.SubscribeFailed(4)
	w.Start()

	bus.PublishCaptured(events.CapturedEvent{SessionID: "s1", DeviceID: "devA"})

	select {
	case e := <-failedSub:
		assert.Equal(t, events.StageStore, e.Stage)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failed event")
	}
}
