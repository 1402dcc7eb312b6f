package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/similie/hyphen-rtsp-tunnel/internal/config"
	"github.com/similie/hyphen-rtsp-tunnel/internal/gwsession"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	t.Setenv("WS_PORT", "0")
	t.Setenv("PROXY_PORT", "0")
	t.Setenv("OUT_DIR", t.TempDir())
	t.Setenv("CAM_USER", "admin")
	t.Setenv("CAM_PASS", "secret")
	t.Setenv("RTSP_PATH", "/stream2")
	t.Setenv("AUTO_CAPTURE", "1")
	t.Setenv("REQUIRE_AUTH", "0")
	t.Setenv("HELLO_WAIT_MS", "1000")
	t.Setenv("CAPTURE_TIMEOUT_MS", "5000")
	t.Setenv("STORAGE_CONCURRENCY", "2")
	t.Setenv("STORAGE_DELETE_LOCAL", "1")
	t.Setenv("AUTH_ATTEMPT_WINDOW_MS", "60000")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return New(Deps{Config: cfg})
}

func TestNewSessionIDIsEightBytesHexAndDistinct(t *testing.T) {
	a, err := newSessionID()
	require.NoError(t, err)
	b, err := newSessionID()
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestStateSourceReflectsEmptyGateway(t *testing.T) {
	g := testGateway(t)
	src := stateSource{g}

	assert.Equal(t, 0, src.SessionCount())
	assert.False(t, src.CaptureInFlight())
	assert.True(t, src.AmLeader()) // no leader lock configured means always eligible
	assert.Equal(t, 0, src.StorageQueueDepth())
}

func TestStateSourceTracksCoordinatorReservation(t *testing.T) {
	g := testGateway(t)
	src := stateSource{g}

	require.True(t, g.coordinator.Reserve("sess-1"))
	assert.True(t, src.CaptureInFlight())

	g.coordinator.Release()
	assert.False(t, src.CaptureInFlight())
}

func TestSessionLookupReportsNoCapturingSession(t *testing.T) {
	g := testGateway(t)
	lookup := sessionLookup{g.table}

	_, ok := lookup.CapturingSession()
	assert.False(t, ok)
}

func TestSessionLookupFindsCapturingSession(t *testing.T) {
	g := testGateway(t)
	sess := gwsession.New(gwsession.Params{ID: "sess-1", Conn: noopConn{}, Bus: g.bus})
	sess.SetCaptureActive(true)
	g.table.Put(sess)

	lookup := sessionLookup{g.table}
	found, ok := lookup.CapturingSession()
	require.True(t, ok)
	assert.Equal(t, "sess-1", found.ID())
}

func TestOnAutoCaptureRefusesSecondReservation(t *testing.T) {
	g := testGateway(t)
	require.True(t, g.coordinator.Reserve("already-holding"))

	sess := gwsession.New(gwsession.Params{ID: "sess-2", Conn: &recordingConn{}, Bus: g.bus})
	g.onAutoCapture(sess)

	assert.False(t, sess.CaptureActive())
}

func TestHandleWSRejectsMessageOneByteOverLimit(t *testing.T) {
	g := testGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgType, ready, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	require.Equal(t, "READY", string(ready))

	oversized := make([]byte, maxMessageBytes+1)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, oversized))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server must close the connection once the oversized frame exceeds the read limit")
}

type noopConn struct{}

func (noopConn) WriteText(string) error  { return nil }
func (noopConn) WriteBinary([]byte) error { return nil }
func (noopConn) Close() error            { return nil }

type recordingConn struct {
	texts [][]byte
}

func (c *recordingConn) WriteText(s string) error {
	c.texts = append(c.texts, []byte(s))
	return nil
}
func (c *recordingConn) WriteBinary(b []byte) error { return nil }
func (c *recordingConn) Close() error               { return nil }
