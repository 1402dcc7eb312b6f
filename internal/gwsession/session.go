// Package gwsession implements the per-connection state machine:
// connected → hello → challenged → authed → capturing → closed. It
// owns the resources a session holds (bound loopback socket, capture
// cancellation, timers) the way the teacher's license manager owns
// its reloadable state behind a single mutex, rather than scattering
// that state across the WS handler.
package gwsession

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/similie/hyphen-rtsp-tunnel/internal/frame"
	"github.com/similie/hyphen-rtsp-tunnel/internal/registry"
	"github.com/similie/hyphen-rtsp-tunnel/internal/sanitize"
)

// State is one of the four states in the session lifecycle.
type State string

const (
	StateNew     State = "NEW"
	StateHelloed State = "HELLOED"
	StateAuthed  State = "AUTHED"
	StateClosing State = "CLOSING"
)

// Conn is the WebSocket connection a session wraps. Implementations
// must tolerate writes to a half-closed socket (best-effort per the
// error handling design) and must be safe for concurrent use by the
// read loop and any hook invoked from it.
type Conn interface {
	WriteText(s string) error
	WriteBinary(b []byte) error
	Close() error
}

// Authenticator issues nonces and verifies device signatures. Satisfied
// by *deviceauth.Authenticator.
type Authenticator interface {
	NewNonce() (string, error)
	Verify(ctx context.Context, deviceID, nonce, sigB64 string) bool
}

// DeviceLookup resolves registered device metadata. Satisfied by
// *registry.Cache.
type DeviceLookup interface {
	LookupDevice(ctx context.Context, deviceID string) (registry.Device, error)
}

// Throttle gates AUTH attempts per remote/device pair before C2 is
// ever invoked. Satisfied by *ratelimit.AuthThrottle, which adapts a
// ratelimit.Limiter; a nil Throttle disables the check entirely.
type Throttle interface {
	Allow(ctx context.Context, key string) bool
}

// Dedup suppresses reprocessing of a command line a device repeats from
// the same remote within the dedup window. Satisfied by *dedup.Window; a nil
// Dedup disables the check.
type Dedup interface {
	IsDuplicate(key string) bool
}

// Config is the subset of process configuration a session consults.
type Config struct {
	AutoCapture bool
	RequireAuth bool
	HelloWait   time.Duration
}

// Session is one WebSocket connection's worth of state.
type Session struct {
	id        string
	remote    string
	conn      Conn
	auth      Authenticator
	devices   DeviceLookup
	throttle  Throttle
	dedup     Dedup
	bus       *events.Bus
	cfg       Config

	mu            sync.Mutex
	state         State
	deviceID      string
	payloadID     string
	nonce         string
	authed        bool
	captureActive bool
	hasTZOffset   bool
	tzOffsetHours int
	proxyConn     net.Conn
	captureCancel context.CancelFunc
	closed        bool
	helloTimer    *time.Timer

	onAutoCapture func(*Session)
	onCaptureEnd  func(*Session)
	onClosed      func(*Session)
	onAuthResult  func(*Session, string)
}

// Params bundles a Session's collaborators and hooks at construction.
type Params struct {
	ID       string
	Remote   string
	Conn     Conn
	Auth     Authenticator
	Devices  DeviceLookup
	Throttle Throttle
	Dedup    Dedup
	Bus      *events.Bus
	Config   Config

	OnAutoCapture func(*Session)
	OnCaptureEnd  func(*Session)
	OnClosed      func(*Session)
	// OnAuthResult fires once per evaluated AUTH command with its
	// outcome label (success, malformed_auth, device_mismatch,
	// too_many_attempts, verify_failed), for metrics instrumentation.
	OnAuthResult func(*Session, string)
}

func New(p Params) *Session {
	return &Session{
		id:            p.ID,
		remote:        p.Remote,
		conn:          p.Conn,
		auth:          p.Auth,
		devices:       p.Devices,
		throttle:      p.Throttle,
		dedup:         p.Dedup,
		bus:           p.Bus,
		cfg:           p.Config,
		state:         StateNew,
		deviceID:      "unknown",
		onAutoCapture: p.OnAutoCapture,
		onCaptureEnd:  p.OnCaptureEnd,
		onClosed:      p.OnClosed,
		onAuthResult:  p.OnAuthResult,
	}
}

// Start sends READY and arms the HELLO deadline. Call once, right
// after accepting the WebSocket.
func (s *Session) Start() {
	s.conn.WriteText(frame.Ready())

	s.mu.Lock()
	s.helloTimer = time.AfterFunc(s.cfg.HelloWait, func() {
		s.fail(events.StageHello, "no_hello")
	})
	s.mu.Unlock()
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Remote() string  { return s.remote }

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) PayloadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CaptureActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureActive
}

func (s *Session) TZOffsetHours() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tzOffsetHours, s.hasTZOffset
}

// HandleText dispatches one text line per the §4.1 command vocabulary.
// Unrecognized verbs are ignored silently.
func (s *Session) HandleText(line string) {
	cmd := frame.ParseCommand(line)
	switch cmd.Verb {
	case frame.VerbHello, frame.VerbAuth:
		if s.dedup != nil && s.dedup.IsDuplicate(s.remote+"|"+line) {
			return
		}
	}
	switch cmd.Verb {
	case frame.VerbHello:
		s.handleHello(cmd.Args)
	case frame.VerbAuth:
		s.handleAuth(cmd.Args)
	}
}

// HandleBinary dispatches one binary frame. Only device→proxy (tag 2)
// frames are meaningful coming from a device; anything else is
// ignored.
func (s *Session) HandleBinary(msg []byte) {
	tag, payload, err := frame.Decode(msg)
	if err != nil || tag != frame.TagDeviceToProxy {
		return
	}

	s.mu.Lock()
	proxy := s.proxyConn
	s.mu.Unlock()

	if proxy == nil {
		return
	}
	proxy.Write(payload)
}

func (s *Session) handleHello(args []string) {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	payloadID, rawDeviceID, ok := frame.ParseHello(args)
	if !ok {
		s.conn.WriteText(frame.HelloFail("malformed_hello"))
		s.fail(events.StageHello, "malformed_hello")
		return
	}

	deviceID := sanitize.SafeDeviceID(rawDeviceID)
	if deviceID == "" {
		s.conn.WriteText(frame.HelloFail("invalid_device_id"))
		s.fail(events.StageHello, "invalid_device_id")
		return
	}

	nonce, err := s.auth.NewNonce()
	if err != nil {
		s.conn.WriteText(frame.HelloFail("nonce_error"))
		s.fail(events.StageHello, "nonce_error")
		return
	}

	device, _ := s.devices.LookupDevice(context.Background(), deviceID)

	s.mu.Lock()
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}
	s.payloadID = payloadID
	s.deviceID = deviceID
	s.nonce = nonce
	s.state = StateHelloed
	if device.ID != "" {
		s.hasTZOffset = true
		s.tzOffsetHours = device.TZOffset
	}
	autoAuth := !s.cfg.RequireAuth
	s.mu.Unlock()

	s.conn.WriteText(frame.Chal(nonce))

	if autoAuth {
		s.mu.Lock()
		s.authed = true
		s.state = StateAuthed
		s.mu.Unlock()
		s.conn.WriteText(frame.AuthOK())
		s.triggerAutoCapture()
	}
}

func (s *Session) handleAuth(args []string) {
	s.mu.Lock()
	state := s.state
	deviceID := s.deviceID
	nonce := s.nonce
	requireAuth := s.cfg.RequireAuth
	s.mu.Unlock()

	if state == StateNew {
		s.fail(events.StageAuth, "no_chal")
		return
	}

	advisory := state == StateAuthed && !requireAuth
	if !advisory && state != StateHelloed {
		return
	}

	gotDeviceID, sigB64, ok := frame.ParseAuth(args)
	if !ok {
		s.conn.WriteText(frame.AuthFail("malformed_auth"))
		s.reportAuthResult("malformed_auth")
		if !advisory {
			s.fail(events.StageAuth, "malformed_auth")
		}
		return
	}

	if sanitize.SafeDeviceID(gotDeviceID) != deviceID {
		s.conn.WriteText(frame.AuthFail("device_mismatch"))
		s.reportAuthResult("device_mismatch")
		if !advisory {
			s.fail(events.StageAuth, "device_mismatch")
		}
		return
	}

	if !advisory && s.throttle != nil && !s.throttle.Allow(context.Background(), s.remote+"|"+deviceID) {
		s.conn.WriteText(frame.AuthFail("too_many_attempts"))
		s.reportAuthResult("too_many_attempts")
		s.fail(events.StageAuth, "too_many_attempts")
		return
	}

	verified := s.auth.Verify(context.Background(), deviceID, nonce, sigB64)
	if verified {
		s.conn.WriteText(frame.AuthOK())
		s.reportAuthResult("success")
		if !advisory {
			s.mu.Lock()
			s.authed = true
			s.state = StateAuthed
			s.mu.Unlock()
			s.triggerAutoCapture()
		}
		return
	}

	s.conn.WriteText(frame.AuthFail("verify_failed"))
	s.reportAuthResult("verify_failed")
	if !advisory && requireAuth {
		s.fail(events.StageAuth, "verify_failed")
	}
}

func (s *Session) reportAuthResult(outcome string) {
	if s.onAuthResult != nil {
		s.onAuthResult(s, outcome)
	}
}

func (s *Session) triggerAutoCapture() {
	if !s.cfg.AutoCapture || s.onAutoCapture == nil {
		return
	}
	s.onAutoCapture(s)
}

// SetCaptureActive mirrors the coordinator's reservation state onto
// this session, per the invariant that a session's captureActive
// field tracks whether it currently holds the capture slot.
func (s *Session) SetCaptureActive(active bool) {
	s.mu.Lock()
	s.captureActive = active
	s.mu.Unlock()
}

// SetCaptureCancel records the cancel function for the in-flight
// capture, so Close/fail can tear down ffmpeg if the session ends
// mid-capture.
func (s *Session) SetCaptureCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.captureCancel = cancel
	s.mu.Unlock()
}

// BindProxy attaches the accepted loopback socket to this session.
// Returns false if a socket is already bound.
func (s *Session) BindProxy(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyConn != nil {
		return false
	}
	s.proxyConn = conn
	return true
}

// UnbindProxy detaches and closes the bound loopback socket, if any.
func (s *Session) UnbindProxy() {
	s.mu.Lock()
	conn := s.proxyConn
	s.proxyConn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// WriteDeviceFrame sends one binary frame to the device.
func (s *Session) WriteDeviceFrame(tag frame.Tag, payload []byte) error {
	return s.conn.WriteBinary(frame.Encode(tag, payload))
}

// EmitCaptured publishes a captured event for this session.
func (s *Session) EmitCaptured(localPath string, capturedAt time.Time) {
	tz, known := s.TZOffsetHours()
	if !known {
		tz = 0
	}
	s.bus.PublishCaptured(events.CapturedEvent{
		SessionID:     s.id,
		DeviceID:      s.DeviceID(),
		PayloadID:     s.PayloadID(),
		Remote:        s.remote,
		LocalPath:     localPath,
		CapturedAt:    capturedAt,
		TZOffsetHours: tz,
		HasTZOffset:   known,
	})
}

// Fail reports a terminal error for stage and closes the session.
// Exported so C6/C5 can report capture/proxy failures without reaching
// into Session internals.
func (s *Session) Fail(stage events.Stage, errMsg string) {
	s.fail(stage, errMsg)
}

// Close ends the session without a failure event, e.g. a clean
// completion after a successful capture or a client disconnect.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) fail(stage events.Stage, errMsg string) {
	ended := s.teardown()
	if !ended {
		return
	}

	s.bus.PublishFailed(events.FailedEvent{
		SessionID: s.id,
		DeviceID:  s.DeviceID(),
		PayloadID: s.PayloadID(),
		Remote:    s.remote,
		Stage:     stage,
		Error:     errMsg,
	})
}

// teardown performs the CLOSING state's entry actions exactly once and
// reports whether this call was the one that did so.
func (s *Session) teardown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state = StateClosing
	wasCaptureActive := s.captureActive
	s.captureActive = false
	proxy := s.proxyConn
	s.proxyConn = nil
	cancel := s.captureCancel
	s.captureCancel = nil
	timer := s.helloTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if proxy != nil {
		proxy.Close()
	}

	s.conn.WriteBinary(frame.Encode(frame.TagClose, nil))
	s.conn.Close()

	if wasCaptureActive && s.onCaptureEnd != nil {
		s.onCaptureEnd(s)
	}
	if s.onClosed != nil {
		s.onClosed(s)
	}

	return true
}
