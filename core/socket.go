package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the server; audio arrives inline.
	maxMessageSize = 8 << 20

	writeStreamSize = 64
)

// Credentials identify the user to the socket server.
type Credentials struct {
	Username string
	Token    string
}

// Conn is one open socket connection.
type Conn struct {
	conn        *websocket.Conn
	writeStream chan *Event
	writeDone   chan struct{}
	logger      *slog.Logger
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		conn:        ws,
		writeStream: make(chan *Event, writeStreamSize),
		writeDone:   make(chan struct{}),
		logger:      logger,
	}
}

// send queues e without blocking. It must not race with close.
func (c *Conn) send(e *Event) error {
	select {
	case c.writeStream <- e:
		return nil
	default:
		return fmt.Errorf("write stream full: %w", ErrNotConnected)
	}
}

func (c *Conn) close() {
	close(c.writeStream)
}

// readLoop reads frames until the connection fails or onEvent returns an error.
func (c *Conn) readLoop(onEvent func(*Event) error) error {
	c.logger.Debug("read loop started")
	defer c.logger.Debug("read loop stopped")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return nil
			}
			return fmt.Errorf("NextReader: %w", err)
		}
		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		if err := onEvent(&event); err != nil {
			return err
		}
	}
}

// writeLoop writes queued frames and pings until the write stream is closed
// or ctx is done, then closes the socket.
func (c *Conn) writeLoop(ctx context.Context) {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flush frame: %v", err))
				return
			}
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}

// Manager keeps the client's socket connected, re-registers and re-joins
// rooms after every reconnect and dispatches inbound frames to the router.
type Manager struct {
	url         string
	credentials func() Credentials
	router      *EventRouter
	dialer      *websocket.Dialer
	header      http.Header
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *Metrics

	mu    sync.Mutex
	conn  *Conn
	rooms map[string]struct{}
	wake  chan struct{}
}

type ManagerOption func(*Manager)

func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

func WithBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = max
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func NewManager(url string, credentials func() Credentials, router *EventRouter, opts ...ManagerOption) *Manager {
	m := &Manager{
		url:         url,
		credentials: credentials,
		router:      router,
		dialer:      websocket.DefaultDialer,
		header:      http.Header{},
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
		now:         time.Now,
		logger:      slog.Default(),
		rooms:       make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.backoffBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(m.backoffMax, b)
}

// Run keeps the socket connected until ctx is done. It returns early only
// when the server will not accept the session: an expired token or a forced
// logout.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.newBackoff()
	for {
		connected, err := m.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrForcedLogout) {
			m.logger.Warn("socket session rejected", slog.String("error", err.Error()))
			return err
		}
		if connected {
			backoff = m.newBackoff()
		}

		delay, _ := backoff.Next()
		attrs := []any{slog.Duration("backoff", delay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		m.logger.Info("socket reconnecting", attrs...)
		m.metrics.reconnect()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Foreground reconnects at once when the app returns to the foreground
// instead of waiting out the backoff.
func (m *Manager) Foreground() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// connect runs one connection until it drops. It reports whether the
// connection was established.
func (m *Manager) connect(ctx context.Context) (bool, error) {
	creds := m.credentials()
	if _, err := InspectToken(creds.Token, m.now()); errors.Is(err, ErrTokenExpired) {
		m.dispatchSynthetic(ctx, EventConnectError, err)
		return false, err
	}

	ws, res, err := m.dialer.DialContext(ctx, m.url, m.header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("dial: %w: %w", ErrNetworkUnreachable, err)
		m.dispatchSynthetic(ctx, EventConnectError, err)
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := newConn(ws, m.logger.With(slog.String("connection", creds.Username)))
	go conn.writeLoop(connCtx)

	m.mu.Lock()
	m.conn = conn
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()
	m.logger.Info("socket connected", slog.String("url", m.url))

	if err := m.Emit(EventRegister, map[string]string{"username": creds.Username, "token": creds.Token}); err != nil {
		m.logger.Error(fmt.Sprintf("register: %s", err))
	}
	for _, room := range rooms {
		if err := m.Emit(EventJoin, map[string]string{"room": room, "username": creds.Username}); err != nil {
			m.logger.Error(fmt.Sprintf("rejoin %s: %s", room, err))
		}
	}
	m.dispatchSynthetic(ctx, EventConnect, nil)

	err = conn.readLoop(func(e *Event) error {
		m.router.Dispatch(ctx, e)
		if e.Type == EventForceLogout {
			return NewSurfacedError(ErrForcedLogout, string(e.Payload))
		}
		return nil
	})

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	conn.close()
	m.mu.Unlock()
	cancel()
	<-conn.writeDone

	m.logger.Info("socket disconnected")
	m.dispatchSynthetic(ctx, EventDisconnect, err)
	if err != nil && !errors.Is(err, ErrForcedLogout) {
		err = fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	return true, err
}

func (m *Manager) dispatchSynthetic(ctx context.Context, t string, cause error) {
	payload := map[string]string{}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	e, err := NewEvent(t, payload)
	if err != nil {
		m.logger.Error(err.Error())
		return
	}
	m.router.Dispatch(ctx, e)
}

// Emit sends an event. It fails with ErrNotConnected when no socket is open;
// frames are never queued across reconnects.
func (m *Manager) Emit(t string, payload any) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return fmt.Errorf("Emit: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.send(e)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// JoinRoom joins room now if connected and after every reconnect.
func (m *Manager) JoinRoom(room string) error {
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()
	err := m.Emit(EventJoin, map[string]string{"room": room, "username": m.credentials().Username})
	if errors.Is(err, ErrNotConnected) {
		// joined on connect
		return nil
	}
	return err
}

func (m *Manager) LeaveRoom(room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()
	err := m.Emit("leave", map[string]string{"room": room, "username": m.credentials().Username})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
