// Package proxy runs the loopback-only TCP listener that bridges
// ffmpeg's RTSP connection to the device's WebSocket tunnel. It never
// binds anything but 127.0.0.1, mirroring the teacher's own posture of
// keeping internal-only listeners off of any routable interface.
package proxy

import (
	"fmt"
	"net"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/similie/hyphen-rtsp-tunnel/internal/frame"
)

// Session is the subset of gwsession.Session the proxy needs to bind
// a loopback socket and pump bytes through the tunnel.
type Session interface {
	ID() string
	DeviceID() string
	PayloadID() string
	CaptureActive() bool
	BindProxy(conn net.Conn) bool
	UnbindProxy()
	WriteDeviceFrame(tag frame.Tag, payload []byte) error
	Fail(stage events.Stage, errMsg string)
}

// SessionLookup finds the single globally-capturing session, the way
// gwsession.Table.CapturingSession does.
type SessionLookup interface {
	CapturingSession() (Session, bool)
}

// Listener accepts loopback connections from ffmpeg and binds each one
// to the currently capturing session.
type Listener struct {
	port     int
	sessions SessionLookup
	ln       net.Listener
}

func NewListener(port int, sessions SessionLookup) *Listener {
	return &Listener{port: port, sessions: sessions}
}

// Start binds 127.0.0.1:port and begins accepting connections in a
// background goroutine. It returns once the listener is bound.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.port))
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	l.ln = ln

	go l.acceptLoop()
	return nil
}

// Stop closes the listener, ending the accept loop.
func (l *Listener) Stop() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	sess, ok := l.sessions.CapturingSession()
	if !ok || !sess.CaptureActive() {
		conn.Close()
		return
	}

	if !sess.BindProxy(conn) {
		conn.Close()
		return
	}

	if err := sess.WriteDeviceFrame(frame.TagOpen, nil); err != nil {
		sess.UnbindProxy()
		sess.Fail(events.StageProxy, "open_write_failed")
		return
	}

	l.pump(sess, conn)
}

// pump reads from the loopback socket until it closes or errors,
// wrapping every chunk as a type-1 frame toward the device. Data in
// the other direction arrives via Session.HandleBinary and is written
// directly to conn by the session, not by this loop.
func (l *Listener) pump(sess Session, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if writeErr := sess.WriteDeviceFrame(frame.TagProxyToDevice, buf[:n]); writeErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	sess.UnbindProxy()
	sess.WriteDeviceFrame(frame.TagClose, nil)
}
