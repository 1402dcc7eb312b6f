// Package gateway owns the process-wide lifecycle: it starts and stops
// the storage worker, leader lock, WebSocket server and loopback proxy
// together, and is the single owner of the session table and capture
// coordinator that the teacher's own redesign notes call out as shared
// mutable state needing one home instead of several.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/similie/hyphen-rtsp-tunnel/internal/capture"
	"github.com/similie/hyphen-rtsp-tunnel/internal/config"
	"github.com/similie/hyphen-rtsp-tunnel/internal/coordinator"
	"github.com/similie/hyphen-rtsp-tunnel/internal/dedup"
	"github.com/similie/hyphen-rtsp-tunnel/internal/deviceauth"
	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
	"github.com/similie/hyphen-rtsp-tunnel/internal/gwsession"
	"github.com/similie/hyphen-rtsp-tunnel/internal/leader"
	"github.com/similie/hyphen-rtsp-tunnel/internal/metrics"
	"github.com/similie/hyphen-rtsp-tunnel/internal/notifier"
	"github.com/similie/hyphen-rtsp-tunnel/internal/proxy"
	"github.com/similie/hyphen-rtsp-tunnel/internal/ratelimit"
	"github.com/similie/hyphen-rtsp-tunnel/internal/registry"
	"github.com/similie/hyphen-rtsp-tunnel/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// maxMessageBytes is the §6 WS message ceiling; the next byte past it
// fails the read per §8's "8 MiB+1 is rejected" case.
const maxMessageBytes = 8 << 20

// Deps bundles the collaborators a Gateway is built from. Each is
// already constructed and owns its own connection (Redis client, NATS
// connection, registry Source); Gateway only sequences their
// lifecycles and wires the data flow between them.
type Deps struct {
	Config *config.Config

	Authenticator *deviceauth.Authenticator
	Devices       *registry.Cache
	AuthThrottle  *ratelimit.AuthThrottle
	LeaderLock    *leader.Lock
	Notifier      *notifier.Publisher
	Metrics       *metrics.Collector
}

// Gateway is the process's single top-level owner of session, capture
// and leadership state.
type Gateway struct {
	cfg *config.Config

	table       *gwsession.Table
	coordinator *coordinator.Coordinator
	bus         *events.Bus
	dedup       *dedup.Window

	authn    *deviceauth.Authenticator
	devices  *registry.Cache
	throttle *ratelimit.AuthThrottle
	leader   *leader.Lock
	notif    *notifier.Publisher
	collect  *metrics.Collector

	captureRunner *capture.Runner
	proxyListener *proxy.Listener
	storageWorker *storage.Worker

	httpServer    *http.Server
	metricsServer *http.Server

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	storedSub <-chan events.StoredEvent
	failedSub <-chan events.FailedEvent
	notifDone chan struct{}

	mu      sync.Mutex
	started bool
}

// New wires every C4–C9 component together but starts nothing.
func New(d Deps) *Gateway {
	cfg := d.Config
	g := &Gateway{
		cfg:         cfg,
		table:       gwsession.NewTable(),
		coordinator: coordinator.New(),
		bus:         events.NewBus(64),
		dedup:       dedup.New(4096, cfg.AuthAttemptWindow),
		authn:       d.Authenticator,
		devices:     d.Devices,
		throttle:    d.AuthThrottle,
		leader:      d.LeaderLock,
		notif:       d.Notifier,
		collect:     d.Metrics,
	}

	g.captureRunner = capture.NewRunner(cfg.ProxyPort, cfg.OutDir, cfg.CaptureWait)
	g.proxyListener = proxy.NewListener(cfg.ProxyPort, sessionLookup{g.table})

	adapter := newStorageAdapter(cfg)
	g.storageWorker = storage.NewWorker(adapter, g.bus, cfg.StorageConcurrency(), cfg.StorageDeleteLocal, cfg.UseDeviceTZOffset)

	if d.Metrics != nil {
		d.Metrics.SetSource(stateSource{g})
	}

	return g
}

// Start brings up the gateway in the §4.10 order: storage worker,
// leader listener, WebSocket server, loopback proxy.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	g.storageWorker.Start()

	if g.notif != nil {
		g.storedSub = g.bus.SubscribeStored(32)
		g.failedSub = g.bus.SubscribeFailed(32)
		g.notifDone = make(chan struct{})
		go g.notif.Run(g.storedSub, g.failedSub, g.notifDone)
	}

	if g.collect != nil {
		go g.collect.Start(ctx)
	}

	if g.leader != nil {
		g.leaderCtx, g.leaderCancel = context.WithCancel(context.Background())
		go g.leader.Run(g.leaderCtx)
		go g.watchRevocation(g.leaderCtx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleWS)
	g.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", g.cfg.WSPort), Handler: mux}

	go func() {
		var err error
		if g.cfg.WSTLS {
			err = g.httpServer.ListenAndServeTLS(g.cfg.TLSCert, g.cfg.TLSKey)
		} else {
			err = g.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: ws server stopped: %v", err)
		}
	}()

	if g.collect != nil && g.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", g.collect.Handler())
		g.metricsServer = &http.Server{Addr: g.cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := g.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("gateway: metrics server stopped: %v", err)
			}
		}()
	}

	if err := g.proxyListener.Start(); err != nil {
		return fmt.Errorf("start loopback proxy: %w", err)
	}

	return nil
}

// Stop tears the gateway down in reverse order, bounding the wait for
// in-flight store jobs to ~5s per §4.10.
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	g.proxyListener.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.httpServer.Shutdown(shutdownCtx)
	if g.metricsServer != nil {
		g.metricsServer.Shutdown(shutdownCtx)
	}

	if g.leaderCancel != nil {
		g.leader.Stop()
		g.leaderCancel()
	}

	if g.notifDone != nil {
		close(g.notifDone)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	g.storageWorker.Stop(drainCtx)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.leader != nil {
		if err := g.leader.RequireLeader(); err != nil {
			http.Error(w, "not leader", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: ws upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	id, err := newSessionID()
	if err != nil {
		conn.Close()
		return
	}

	wc := newWSConn(conn)
	sess := gwsession.New(gwsession.Params{
		ID:       id,
		Remote:   r.RemoteAddr,
		Conn:     wc,
		Auth:     g.authn,
		Devices:  g.devices,
		Throttle: g.throttle,
		Dedup:    g.dedup,
		Bus:      g.bus,
		Config: gwsession.Config{
			AutoCapture: g.cfg.AutoCapture(),
			RequireAuth: g.cfg.RequireAuth(),
			HelloWait:   g.cfg.HelloWait,
		},
		OnAutoCapture: g.onAutoCapture,
		OnCaptureEnd:  g.onCaptureEnd,
		OnClosed:      g.onClosed,
		OnAuthResult:  g.onAuthResult,
	})

	g.table.Put(sess)
	sess.Start()

	g.readLoop(conn, sess)
}

func (g *Gateway) readLoop(conn *websocket.Conn, sess *gwsession.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			sess.HandleText(string(data))
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
	sess.Close()
}

func (g *Gateway) onClosed(sess *gwsession.Session) {
	g.table.Remove(sess.ID())
}

func (g *Gateway) onAuthResult(sess *gwsession.Session, outcome string) {
	if g.collect != nil {
		g.collect.RecordAuthAttempt(outcome)
	}
}

// onAutoCapture runs in the session's own goroutine (the WS read loop
// that just processed the triggering AUTH), so it spawns the actual
// capture asynchronously and returns immediately.
func (g *Gateway) onAutoCapture(sess *gwsession.Session) {
	if !g.coordinator.Reserve(sess.ID()) {
		sess.Fail(events.StageCapture, "Global capture already in progress")
		return
	}

	sess.SetCaptureActive(true)
	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCaptureCancel(cancel)

	go g.runCapture(ctx, sess)
}

// runCapture leaves releasing the coordinator slot to onCaptureEnd,
// which fires exactly once from the session's teardown regardless of
// whether the capture finished normally or the session closed out
// from under it mid-capture — two release sites here would race
// against a new reservation made in the gap between them.
func (g *Gateway) runCapture(ctx context.Context, sess *gwsession.Session) {
	profile := g.resolveProfile(sess)

	start := time.Now()
	result, err := g.captureRunner.Run(ctx, sess.DeviceID(), profile)
	elapsed := time.Since(start)

	if err != nil {
		if g.collect != nil {
			g.collect.RecordCapture("failure", elapsed)
		}
		sess.Fail(events.StageCapture, err.Error())
		return
	}

	if g.collect != nil {
		g.collect.RecordCapture("success", elapsed)
	}
	sess.EmitCaptured(result.OutFile, result.CapturedAt)
	sess.Close()
}

func (g *Gateway) resolveProfile(sess *gwsession.Session) capture.Profile {
	defaults := capture.Profile{CamUser: g.cfg.CamUser(), CamPass: g.cfg.CamPass, RTSPPath: g.cfg.RTSPPath()}
	if g.devices == nil {
		return defaults
	}

	meta, err := g.devices.LookupSensorMeta(context.Background(), sess.DeviceID())
	if err != nil || meta == nil {
		return defaults
	}

	override, ok := meta[sess.PayloadID()]
	if !ok {
		override, ok = meta["default"]
	}
	if !ok {
		return defaults
	}

	return capture.ResolveProfile(defaults, capture.SensorOverride{
		CamUser:  override.CamUser,
		CamPass:  override.CamPass,
		RTSPPath: override.RTSPPath,
	})
}

func (g *Gateway) onCaptureEnd(sess *gwsession.Session) {
	g.coordinator.Release()
}

// watchRevocation aborts any in-flight capture as soon as leadership
// is lost, per §9's "leader revoked mid-capture" case: the capture
// fails with stage=capture rather than lingering on a replica that no
// longer owns the slot.
func (g *Gateway) watchRevocation(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.leader.Revoked():
			holder := g.coordinator.Holder()
			if holder == "" {
				continue
			}
			if sess, ok := g.table.Get(holder); ok {
				sess.Fail(events.StageCapture, "leader_revoked")
			}
		}
	}
}

// sessionLookup adapts *gwsession.Table to proxy.SessionLookup: the
// table returns a concrete *gwsession.Session, which satisfies
// proxy.Session's method set, but Go's interface satisfaction is
// checked against the exact return type declared on the method, so
// the adaptation has to happen at this call boundary.
type sessionLookup struct {
	table *gwsession.Table
}

func (s sessionLookup) CapturingSession() (proxy.Session, bool) {
	sess, ok := s.table.CapturingSession()
	if !ok {
		return nil, false
	}
	return sess, true
}

// stateSource adapts Gateway to metrics.StateSource.
type stateSource struct {
	g *Gateway
}

func (s stateSource) SessionCount() int     { return s.g.table.Len() }
func (s stateSource) CaptureInFlight() bool { return s.g.coordinator.InFlight() }
func (s stateSource) AmLeader() bool {
	if s.g.leader == nil {
		return true
	}
	return s.g.leader.AmLeader()
}
func (s stateSource) StorageQueueDepth() int { return s.g.storageWorker.QueueDepth() }

// newStorageAdapter picks the STORAGE_MODE sink. An s3 config that
// fails to construct falls back to local rather than leaving the
// gateway without a storage worker at all.
func newStorageAdapter(cfg *config.Config) storage.Adapter {
	if cfg.StorageMode() == "s3" {
		adapter, err := storage.NewS3Adapter(storage.S3Config{
			Endpoint:  cfg.StorageS3Endpoint,
			Bucket:    cfg.StorageS3Bucket,
			AccessKey: cfg.StorageS3AccessKey,
			SecretKey: cfg.StorageS3SecretKey,
			UseSSL:    cfg.StorageS3UseSSL,
		})
		if err != nil {
			log.Printf("gateway: s3 storage adapter unavailable, falling back to local: %v", err)
		} else {
			return adapter
		}
	}
	return storage.NewLocalAdapter(cfg.OutDir)
}

func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// wsConn adapts *websocket.Conn to gwsession.Conn. gorilla/websocket
// connections are not safe for concurrent writers, so every write is
// serialized behind a mutex the way the teacher's SFU signaling conn
// wrapper does.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *wsConn) WriteBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
