// Package control serves the websocket control surface of the voice activity
// detector. Every connected client receives detector events and periodic
// status snapshots as JSON, and may send commands that start, stop, retune,
// or recalibrate the detector.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/vad"
)

// Route is the pattern the hub is registered under.
const Route = "GET /ws/vad"

const (
	defaultStatusInterval = 250 * time.Millisecond
	defaultSendBuffer     = 64
	eventBuffer           = 256
	writeTimeout          = 5 * time.Second
	maxCommandSize        = 16 << 10
)

// Detector is the part of [vad.Detector] the hub drives.
type Detector interface {
	StartDetection() error
	StopDetection()
	Recalibrate(ctx context.Context) error
	UpdateConfig(p vad.ConfigPatch) error
	State() vad.Snapshot
	Subscribe(buffer int) (<-chan vad.Event, func())
}

// Compile-time interface assertion.
var _ Detector = (*vad.Detector)(nil)

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics tracks connected clients on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithStatusInterval sets how often status snapshots are pushed while
// clients are connected. Volume changes reach clients only through these.
func WithStatusInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.statusEvery = d
		}
	}
}

// WithSendBuffer sets how many outbound messages may queue per client before
// further messages to it are dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans detector events out to websocket clients and applies their
// commands. The zero value is not usable; create one with [New].
type Hub struct {
	det         Detector
	log         *slog.Logger
	metrics     *observe.Metrics
	statusEvery time.Duration
	sendBuffer  int
	origins     []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// client is one websocket connection. send is closed by the hub when the
// client is removed.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	cancel  context.CancelFunc
	dropped int
}

// New creates a Hub around det.
func New(det Detector, opts ...Option) *Hub {
	h := &Hub{
		det:         det,
		log:         slog.Default(),
		statusEvery: defaultStatusInterval,
		sendBuffer:  defaultSendBuffer,
		clients:     make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the hub on mux, wrapped by the given middleware in order
// (outermost first).
func (h *Hub) Register(mux *http.ServeMux, mw ...func(http.Handler) http.Handler) {
	var handler http.Handler = h
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	mux.Handle(Route, handler)
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run forwards detector events and status snapshots to clients until ctx is
// cancelled, then disconnects every client. It returns nil.
func (h *Hub) Run(ctx context.Context) error {
	events, unsubscribe := h.det.Subscribe(eventBuffer)
	defer unsubscribe()

	ticker := time.NewTicker(h.statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case e, ok := <-events:
			if !ok {
				// Detector disposed; keep serving status until shutdown.
				events = nil
				continue
			}
			if e.Type == vad.EventVolume {
				continue
			}
			h.broadcast(eventMessage(e))
			if e.Type != vad.EventSilence {
				h.broadcastStatus()
			}
		case <-ticker.C:
			if h.Clients() > 0 {
				h.broadcastStatus()
			}
		}
	}
}

// ServeHTTP upgrades the request and serves one client until it disconnects
// or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("control: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxCommandSize)

	id := uuid.NewString()
	ctx, span := observe.StartControlSession(r.Context(), id)
	var sessionErr error
	defer func() { observe.EndSpan(span, sessionErr) }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &client{conn: conn, send: make(chan []byte, h.sendBuffer), cancel: cancel}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	log := observe.WithTrace(ctx, h.log).With("client", id, "remote", r.RemoteAddr)
	log.Info("control: client connected", "clients", h.Clients())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, c)
	}()

	h.sendTo(c, statusMessage(h.det.State()))
	err = h.readLoop(ctx, c, log)

	h.remove(c)
	cancel()
	<-writerDone

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		// Closed by hub shutdown or the server.
	default:
		sessionErr = err
		log.Debug("control: read failed", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
	log.Info("control: client disconnected", "clients", h.Clients())
}

// readLoop handles commands until the connection fails.
func (h *Hub) readLoop(ctx context.Context, c *client, log *slog.Logger) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			h.sendTo(c, ResultMessage{Type: TypeError, Error: "binary messages are not supported"})
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.sendTo(c, ResultMessage{Type: TypeError, Error: fmt.Sprintf("invalid command: %v", err)})
			continue
		}
		h.handle(ctx, c, cmd, log)
	}
}

// handle validates and applies cmd, replying with "<cmd>_result". A
// successful command is followed by a status broadcast.
func (h *Hub) handle(ctx context.Context, c *client, cmd Command, log *slog.Logger) {
	if err := cmd.Validate(); err != nil {
		typ := TypeError
		if slices.Contains([]string{CmdStart, CmdStop, CmdRecalibrate, CmdPreset, CmdConfig}, cmd.Cmd) {
			typ = cmd.Cmd + "_result"
		}
		h.sendTo(c, ResultMessage{Type: typ, Error: err.Error()})
		return
	}
	log.Debug("control: command", "cmd", cmd.Cmd)

	var err error
	switch cmd.Cmd {
	case CmdStart:
		err = h.det.StartDetection()
	case CmdStop:
		h.det.StopDetection()
	case CmdRecalibrate:
		// Calibration takes its whole window; keep reading commands.
		go func() {
			err := h.det.Recalibrate(ctx)
			h.reply(c, cmd.Cmd, err, log)
		}()
		return
	case CmdPreset:
		err = h.applyPreset(cmd.Preset)
	case CmdConfig:
		err = h.det.UpdateConfig(cmd.Config.Patch())
	}
	h.reply(c, cmd.Cmd, err, log)
}

func (h *Hub) reply(c *client, cmd string, err error, log *slog.Logger) {
	if err != nil {
		log.Warn("control: command failed", "cmd", cmd, "err", err)
	}
	h.sendTo(c, resultMessage(cmd, err))
	if err == nil {
		h.broadcastStatus()
	}
}

func (h *Hub) applyPreset(name string) error {
	p, err := vad.ParsePreset(name)
	if err != nil {
		return err
	}
	cfg, err := vad.PresetConfig(p)
	if err != nil {
		return err
	}
	return h.det.UpdateConfig(cfg.Patch())
}

// writeLoop drains c.send onto the connection.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// ---- fan-out ----

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.ControlClients.Add(context.Background(), 1)
	}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.ControlClients.Add(context.Background(), -1)
	}
}

// shutdown refuses new clients and disconnects the current ones.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.cancel()
	}
}

func (h *Hub) broadcastStatus() {
	h.broadcast(statusMessage(h.det.State()))
}

func (h *Hub) broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("control: marshal message", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueueLocked(c, msg)
	}
}

// sendTo queues v for a single client. It is a no-op once c is removed.
func (h *Hub) sendTo(c *client, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error("control: marshal message", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.enqueueLocked(c, msg)
	}
}

func (h *Hub) enqueueLocked(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			h.log.Warn("control: slow client, dropping messages", "dropped", c.dropped)
		}
	}
}
