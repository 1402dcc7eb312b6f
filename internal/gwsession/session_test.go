package gwsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/similie/hyphen-rtsp-tunnel/internal/frame"
	"github.com/similie/hyphen-rtsp-tunnel/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	texts    []string
	binaries [][]byte
	closed   bool
}

func (f *fakeConn) WriteText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, s)
	return nil
}

func (f *fakeConn) WriteBinary(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binaries = append(f.binaries, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeConn) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeAuth struct {
	nonce      string
	verifyFunc func(deviceID, nonce, sigB64 string) bool
}

func (f *fakeAuth) NewNonce() (string, error) { return f.nonce, nil }

func (f *fakeAuth) Verify(ctx context.Context, deviceID, nonce, sigB64 string) bool {
	if f.verifyFunc != nil {
		return f.verifyFunc(deviceID, nonce, sigB64)
	}
	return false
}

type fakeDevices struct{}

func (fakeDevices) LookupDevice(ctx context.Context, deviceID string) (registry.Device, error) {
	return registry.Device{ID: deviceID, TZOffset: -3}, nil
}

func newTestSession(conn *fakeConn, auth Authenticator, cfg Config) *Session {
	var bus = events.NewBus(4)
	return New(Params{
		ID:      "sess-1",
		Remote:  "10.0.0.1:1234",
		Conn:    conn,
		Auth:    auth,
		Devices: fakeDevices{},
		Bus:     bus,
		Config:  cfg,
	})
}

func TestHappyPathNoAuthRequired(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{nonce: "abc123"}
	s := newTestSession(conn, auth, Config{AutoCapture: false, RequireAuth: false, HelloWait: time.Second})

	s.Start()
	assert.Equal(t, "READY", conn.lastText())

	s.HandleText("HELLO p1 devA")

	assert.Equal(t, StateAuthed, s.State())
	assert.Equal(t, "devA", s.DeviceID())
	assert.Equal(t, "p1", s.PayloadID())

	texts := conn.texts
	require.Len(t, texts, 3)
	assert.Equal(t, "READY", texts[0])
	assert.Equal(t, "CHAL abc123", texts[1])
	assert.Equal(t, "AUTH_OK", texts[2])
}

func TestAuthRequiredBadSignature(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{nonce: "n1", verifyFunc: func(string, string, string) bool { return false }}
	s := newTestSession(conn, auth, Config{AutoCapture: false, RequireAuth: true, HelloWait: time.Second})

	s.Start()
	s.HandleText("HELLO p1 devA")
	assert.Equal(t, StateHelloed, s.State())

	s.HandleText("AUTH devA AAAA")

	assert.Equal(t, "AUTH_FAIL verify_failed", conn.lastText())
	assert.Equal(t, StateClosing, s.State())
	assert.True(t, conn.closed)
}

func TestAuthRequiredGoodSignature(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{nonce: "n1", verifyFunc: func(string, string, string) bool { return true }}
	s := newTestSession(conn, auth, Config{AutoCapture: false, RequireAuth: true, HelloWait: time.Second})

	s.Start()
	s.HandleText("HELLO p1 devA")
	s.HandleText("AUTH devA c2ln")

	assert.Equal(t, "AUTH_OK", conn.lastText())
	assert.Equal(t, StateAuthed, s.State())
}

func TestAuthBeforeHelloFailsNoChal(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{}
	s := newTestSession(conn, auth, Config{RequireAuth: true, HelloWait: time.Second})

	s.Start()
	s.HandleText("AUTH devA sig")

	assert.Equal(t, StateClosing, s.State())
}

func TestDeviceMismatchFailsAuth(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{nonce: "n1"}
	s := newTestSession(conn, auth, Config{RequireAuth: true, HelloWait: time.Second})

	s.Start()
	s.HandleText("HELLO p1 devA")
	s.HandleText("AUTH devB sig")

	assert.Equal(t, "AUTH_FAIL device_mismatch", conn.lastText())
	assert.Equal(t, StateClosing, s.State())
}

func TestNoHelloClosesAfterDeadline(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{}
	s := newTestSession(conn, auth, Config{HelloWait: 20 * time.Millisecond})

	s.Start()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateClosing, s.State())
	assert.True(t, conn.closed)
}

func TestBinaryDroppedWithoutBoundProxy(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{}
	s := newTestSession(conn, auth, Config{HelloWait: time.Second})

	assert.NotPanics(t, func() {
		s.HandleBinary(frame.Encode(frame.TagDeviceToProxy, []byte("bytes")))
	})
}

func TestMalformedHelloFails(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{}
	s := newTestSession(conn, auth, Config{HelloWait: time.Second})

	s.Start()
	s.HandleText("HELLO a b c")

	assert.Equal(t, StateClosing, s.State())
}

func TestUnknownVerbIsIgnored(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{}
	s := newTestSession(conn, auth, Config{HelloWait: time.Second})

	s.Start()
	s.HandleText("BOGUS foo bar")

	assert.Equal(t, StateNew, s.State())
}

func TestAutoCaptureHookFiresOnAuth(t *testing.T) {
	conn := &fakeConn{}
	auth := &fakeAuth{nonce: "n1"}

	var fired bool
	var mu sync.Mutex
	bus := events.NewBus(4)
	s := New(Params{
		ID:      "sess-1",
		Remote:  "10.0.0.1:1",
		Conn:    conn,
		Auth:    auth,
		Devices: fakeDevices{},
		Bus:     bus,
		Config:  Config{AutoCapture: true, RequireAuth: false, HelloWait: time.Second},
		OnAutoCapture: func(sess *Session) {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
	})

	s.Start()
	s.HandleText("HELLO p1 devA")

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, fired)
}
