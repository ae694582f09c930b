// ABOUTME: WebSocket client for the gateway control channel with reconnect and request correlation.
// ABOUTME: Publishes connection status, events, and sequence gaps on channels.

package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-console/internal/dedupe"
	"github.com/2389/coven-console/internal/fleet"
)

const (
	protocolVersion = 3

	eventBufferSize  = 256
	statusBufferSize = 16
	seenFrameLimit   = 4096
)

var defaultBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Options configures a Client.
type Options struct {
	URL           string
	Token         string
	ClientName    string
	ClientVersion string

	// Backoff lists reconnect delays; the last one repeats.
	Backoff          []time.Duration
	HandshakeTimeout time.Duration
	DedupeTTL        time.Duration

	Logger *slog.Logger
}

// Client is a reconnecting gateway connection.
type Client struct {
	url           string
	token         string
	clientName    string
	clientVersion string
	backoff       []time.Duration
	handshake     time.Duration
	dialer        *websocket.Dialer
	seen          *dedupe.Cache
	logger        *slog.Logger

	mu     sync.Mutex
	conn   *connection
	status fleet.ConnectionStatus
	ready  chan struct{} // closed while connected
	gen    uint64

	events   chan Event
	gaps     chan Gap
	statusMu sync.Mutex
	statuses chan fleet.ConnectionStatus

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a client. Run must be called to connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := opts.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	name := opts.ClientName
	if name == "" {
		name = "coven-console"
	}

	return &Client{
		url:           opts.URL,
		token:         opts.Token,
		clientName:    name,
		clientVersion: opts.ClientVersion,
		backoff:       backoff,
		handshake:     handshake,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		seen:     dedupe.New(ttl, seenFrameLimit),
		logger:   logger.With("component", "gatewayclient"),
		status:   fleet.Disconnected,
		ready:    make(chan struct{}),
		events:   make(chan Event, eventBufferSize),
		gaps:     make(chan Gap, 1),
		statuses: make(chan fleet.ConnectionStatus, statusBufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Events delivers gateway event frames.
func (c *Client) Events() <-chan Event { return c.events }

// Gaps delivers sequence gaps. Pending gaps coalesce: one is enough to resync.
func (c *Client) Gaps() <-chan Gap { return c.gaps }

// Statuses delivers connection status transitions.
func (c *Client) Statuses() <-chan fleet.ConnectionStatus { return c.statuses }

// Status returns the current connection status.
func (c *Client) Status() fleet.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// WaitConnected blocks until the client is connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.status == fleet.Connected {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-ready:
		}
	}
}

// Run keeps the connection up until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.warnIfTokenExpired()

	attempt := 0
	for {
		c.setStatus(fleet.Connecting)
		connected, err := c.session(ctx)
		c.setStatus(fleet.Disconnected)

		select {
		case <-c.done:
			return ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			attempt = 0
		}
		delay := c.backoff[min(attempt, len(c.backoff)-1)]
		attempt++
		c.logger.Warn("gateway connection lost", "error", err, "attempt", attempt, "retry_in", delay)

		select {
		case <-ctx.Done():
			if isClosed(c.done) {
				return ErrClosed
			}
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection from dial to drop. connected reports whether
// the handshake succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}

	c.mu.Lock()
	c.gen++
	conn := newConnection(ws, c.gen)
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	hctx, cancel := context.WithTimeout(ctx, c.handshake)
	var hello Hello
	err = c.roundTrip(hctx, conn, "connect", c.connectParams(), &hello)
	cancel()
	if err != nil {
		_ = ws.Close()
		<-readErr
		conn.fail()
		return false, fmt.Errorf("gateway handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to gateway",
		"url", c.url,
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
	)
	c.setStatus(fleet.Connected)

	err = <-readErr

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.fail()
	_ = ws.Close()
	return true, err
}

func (c *Client) connectParams() map[string]any {
	params := map[string]any{
		"minProtocol": protocolVersion,
		"maxProtocol": protocolVersion,
		"role":        "operator",
		"client": map[string]any{
			"id":       c.clientName,
			"version":  c.clientVersion,
			"platform": runtime.GOOS,
			"mode":     "operator",
		},
	}
	if c.token != "" {
		params["auth"] = map[string]any{"token": c.token}
	}
	return params
}

func (c *Client) readLoop(conn *connection) error {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case frameResponse:
			conn.deliver(f)
		case frameEvent:
			c.handleEvent(conn, f)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) handleEvent(conn *connection, f inboundFrame) {
	if f.Seq > 0 {
		key := strconv.FormatUint(conn.gen, 10) + ":" + strconv.FormatInt(f.Seq, 10)
		if !c.seen.MarkIfNew(key) {
			c.logger.Debug("dropping duplicate event", "event", f.Event, "seq", f.Seq)
			return
		}
		if conn.lastSeq > 0 && f.Seq > conn.lastSeq+1 {
			c.signalGap(Gap{Expected: conn.lastSeq + 1, Received: f.Seq})
		}
		if f.Seq > conn.lastSeq {
			conn.lastSeq = f.Seq
		}
	}

	ev := Event{
		Name:         f.Event,
		Payload:      f.Payload,
		Seq:          f.Seq,
		StateVersion: f.StateVersion,
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", "event", f.Event, "seq", f.Seq)
		c.signalGap(Gap{Expected: f.Seq, Received: f.Seq + 1})
	}
}

func (c *Client) signalGap(g Gap) {
	select {
	case c.gaps <- g:
	default:
	}
}

func (c *Client) setStatus(s fleet.ConnectionStatus) {
	c.mu.Lock()
	prev := c.status
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	switch {
	case s == fleet.Connected:
		close(c.ready)
	case prev == fleet.Connected:
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	select {
	case c.statuses <- s:
		return
	default:
	}

	// The consumer fell behind: fold the backlog so it still sees a
	// disconnect that happened before the latest status.
	var backlog []fleet.ConnectionStatus
	for drained := false; !drained; {
		select {
		case queued := <-c.statuses:
			backlog = append(backlog, queued)
		default:
			drained = true
		}
	}
	for _, queued := range coalesceStatuses(append(backlog, s)) {
		select {
		case c.statuses <- queued:
		default:
		}
	}
}

// coalesceStatuses shrinks a status backlog to its latest status, preceded
// by the last non-connected status when the latest is connected.
func coalesceStatuses(backlog []fleet.ConnectionStatus) []fleet.ConnectionStatus {
	if len(backlog) == 0 {
		return nil
	}
	latest := backlog[len(backlog)-1]
	if latest != fleet.Connected {
		return []fleet.ConnectionStatus{latest}
	}
	for i := len(backlog) - 2; i >= 0; i-- {
		if backlog[i] != fleet.Connected {
			return []fleet.ConnectionStatus{backlog[i], latest}
		}
	}
	return []fleet.ConnectionStatus{latest}
}

// Call invokes method and decodes the response payload into out (nil to discard).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if isClosed(c.done) {
			return ErrClosed
		}
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	if err := c.roundTrip(ctx, conn, method, params, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, conn *connection, method string, params any, out any) error {
	id := uuid.NewString()
	ch, ok := conn.register(id)
	if !ok {
		return ErrNotConnected
	}
	defer conn.unregister(id)

	data, err := json.Marshal(requestFrame{Type: frameRequest, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := conn.write(data); err != nil {
		return &Error{Code: CodeDisconnected, Message: err.Error()}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return &Error{Code: CodeDisconnected, Message: "connection closed before response"}
		}
		if !f.OK {
			if f.Error == nil {
				return &Error{Message: "request failed"}
			}
			return f.Error
		}
		if out != nil && len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	}
}

// Close stops Run and fails outstanding calls.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.ws.Close()
		}
		c.seen.Close()
	})
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// connection is one WebSocket plus the calls waiting on it.
type connection struct {
	ws  *websocket.Conn
	gen uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan inboundFrame
	closed  bool

	lastSeq int64 // read loop only
}

func newConnection(ws *websocket.Conn, gen uint64) *connection {
	return &connection{
		ws:      ws,
		gen:     gen,
		pending: make(map[string]chan inboundFrame),
	}
}

func (c *connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) register(id string) (chan inboundFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ch := make(chan inboundFrame, 1)
	c.pending[id] = ch
	return ch, true
}

func (c *connection) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *connection) deliver(f inboundFrame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// fail closes every pending call's channel.
func (c *connection) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
