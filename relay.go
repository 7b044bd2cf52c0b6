package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hiprint/transit/internal/config"
	"hiprint/transit/internal/directory"
	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/input"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
	"hiprint/transit/internal/protocol"
	"hiprint/transit/internal/refresh"
	"hiprint/transit/internal/registry"
	"hiprint/transit/internal/router"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// version is reported in serverInfo and the startup banner.
var version = "0.0.4"

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithLogger overrides the relay logger.
func WithLogger(logger *logging.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.log = logger
		}
	}
}

// WithMemoryReader overrides the host memory probe used for serverInfo.
func WithMemoryReader(reader memoryReader) RelayOption {
	return func(r *Relay) {
		if reader != nil {
			r.memory = reader
		}
	}
}

// WithWebsocketAuthenticator wires a custom authenticator into the relay.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) RelayOption {
	return func(r *Relay) {
		if authenticator != nil {
			r.authenticator = authenticator
		}
	}
}

// Relay accepts websocket sessions and ties the registry, fabric, router and
// refresh scheduler together.
type Relay struct {
	cfg           *config.Config
	log           *logging.Logger
	authenticator websocketAuthenticator
	memory        memoryReader

	registry  *registry.Registry
	fabric    *fabric.Fabric
	directory *directory.Aggregator
	router    *router.Router
	scheduler *refresh.Scheduler
	inbound   *input.Gate
	metrics   *networking.RelayMetrics
	traffic   *networking.TrafficMeter
	upgrader  websocket.Upgrader

	started    time.Time
	startupErr atomic.Value

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	live    map[*connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewRelay constructs a relay for cfg.
func NewRelay(cfg *config.Config, opts ...RelayOption) (*Relay, error) {
	if cfg == nil {
		return nil, errors.New("relay config required")
	}
	r := &Relay{
		cfg:      cfg,
		log:      logging.L(),
		memory:   hostMemory,
		registry: registry.New(),
		fabric:   fabric.New(),
		metrics:  networking.NewRelayMetrics(),
		traffic:  networking.NewTrafficMeter(nil),
		live:     make(map[*connection]struct{}),
		started:  time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.authenticator == nil {
		authenticator, err := newGateWebsocketAuthenticator(cfg.Token)
		if err != nil {
			return nil, err
		}
		r.authenticator = authenticator
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.directory = directory.New(r.registry)
	r.router = router.New(r.registry, r.fabric, r.metrics, r.log)
	r.scheduler = refresh.New(cfg.RefreshInterval, cfg.RefreshSettle, r.fabric, r.directory, r.fabric,
		refresh.WithMetrics(r.metrics), refresh.WithLogger(r.log))
	r.inbound = input.NewGate(input.Config{EventsPerSecond: cfg.EventsPerSecond, Burst: cfg.EventBurst}, r.log)
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return r, nil
}

// Run drives the periodic refresh until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.scheduler.Run(ctx)
}

// SnapshotClientCounts reports connected workers and requesters.
func (r *Relay) SnapshotClientCounts() (workers, requesters int) {
	return r.fabric.CountRole(fabric.RoleWorker), r.fabric.CountRole(fabric.RoleRequester)
}

// StartupError returns the error recorded by a failed listener, if any.
func (r *Relay) StartupError() error {
	if err, ok := r.startupErr.Load().(error); ok {
		return err
	}
	return nil
}

func (r *Relay) setStartupError(err error) {
	if err != nil {
		r.startupErr.Store(err)
	}
}

// Uptime returns how long the relay has been running.
func (r *Relay) Uptime() time.Duration {
	return time.Since(r.started)
}

// connection is one accepted websocket session.
type connection struct {
	id     string
	tenant string
	role   fabric.Role
	ws     *websocket.Conn
	send   chan []byte
	log    *logging.Logger

	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	teardown    sync.Once
	probeTimer  *time.Timer
}

func (c *connection) ID() string        { return c.id }
func (c *connection) Tenant() string    { return c.tenant }
func (c *connection) Role() fabric.Role { return c.role }

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send queues frame for the write pump. A session whose queue is full is evicted.
func (c *connection) Send(frame []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send queue full, evicting session")
		c.close(websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

// close asks the write pump to send a close frame and shut the socket.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if r.cfg.MaxClients > 0 && len(r.live) >= r.cfg.MaxClients {
		r.mu.Unlock()
		r.log.Warn("connection refused: client limit reached", logging.Int("max_clients", r.cfg.MaxClients))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	r.mu.Unlock()

	tenant, authErr := r.authenticator.Authenticate(req)
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", logging.String("remote_addr", req.RemoteAddr), logging.Error(err))
		return
	}
	if authErr != nil {
		r.rejectHandshake(ws, req, authErr)
		return
	}

	role := classifyRole(req)
	id := uuid.NewString()
	c := &connection{
		id:     id,
		tenant: tenant,
		role:   role,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		log: logging.LoggerFromContext(req.Context(), r.log).With(
			logging.String("client_id", id),
			logging.String("role", string(role)),
			logging.String("remote_addr", req.RemoteAddr),
		),
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		refuseUpgraded(ws, websocket.CloseGoingAway, "relay shutting down")
		return
	}
	// Handshakes that passed the first check concurrently are admitted one at a time.
	if r.cfg.MaxClients > 0 && len(r.live) >= r.cfg.MaxClients {
		r.mu.Unlock()
		r.log.Warn("connection refused after upgrade: client limit reached", logging.Int("max_clients", r.cfg.MaxClients))
		refuseUpgraded(ws, websocket.CloseTryAgainLater, "too many clients")
		return
	}
	r.live[c] = struct{}{}
	r.wg.Add(2)
	r.mu.Unlock()

	r.onConnect(c)

	go r.writePump(c)
	go r.readPump(c)
}

// rejectHandshake reports an authentication failure to the peer and closes it.
// No registry or fabric state exists for the socket.
func (r *Relay) rejectHandshake(ws *websocket.Conn, req *http.Request, cause error) {
	r.log.Warn("authentication failed",
		logging.String("remote_addr", req.RemoteAddr),
		logging.Error(cause),
	)
	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage,
		protocol.MustEncode(protocol.EventConnectError, protocol.ErrorPayload{Msg: "Authentication failed"}))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Authentication failed"), deadline)
	_ = ws.Close()
}

// refuseUpgraded closes a socket that was upgraded but never admitted.
func refuseUpgraded(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}

func (r *Relay) readPump(c *connection) {
	defer r.wg.Done()
	defer r.disconnect(c)

	pongWait := 2 * r.cfg.PingInterval
	c.ws.SetReadLimit(r.cfg.MaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("read loop ended", logging.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		env, err := protocol.Decode(data)
		if err != nil {
			r.inbound.Reject(input.Frame{ClientID: c.id}, input.DropReasonMalformed)
			c.log.Debug("malformed frame dropped", logging.Error(err))
			continue
		}
		if decision := r.inbound.Evaluate(input.Frame{ClientID: c.id, Event: env.Event}); !decision.Accepted {
			continue
		}
		r.dispatch(c, env)
	}
}

func (r *Relay) writePump(c *connection) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
			r.traffic.Record(string(c.role), len(frame))
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			//1.- Flush what is already queued so a probe still sees its serverInfo.
		drain:
			for {
				select {
				case frame := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
					r.traffic.Record(string(c.role), len(frame))
				default:
					break drain
				}
			}
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(writeWait))
			}
			return
		}
	}
}

// Close disconnects every session and waits for their pumps to exit or ctx to end.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*connection, 0, len(r.live))
	for c := range r.live {
		sessions = append(sessions, c)
	}
	r.mu.Unlock()

	r.cancel()
	for _, c := range sessions {
		c.close(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
