// Package channel implements the persistent bidirectional event transport:
// one websocket connection per authenticated session carrying both chat and
// call-signaling events, with automatic reconnection and ack-correlated
// request/response sends.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/channel")

// State is the connection lifecycle state, surfaced to the UI as the
// non-blocking connectivity indicator.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned by Request/Emit while the channel is down.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAckTimeout is returned when the server never answers a request.
	ErrAckTimeout = errors.New("channel: ack timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
)

// AckError is a typed error the server attached to an ack.
type AckError struct{ Reason string }

func (e *AckError) Error() string { return "channel: server rejected: " + e.Reason }

// Options configure a Channel.
type Options struct {
	URL   string        // ws(s):// endpoint
	Token func() string // session token, read per dial

	AckTimeout  time.Duration // default 10s
	DialTimeout time.Duration // default 10s
	BackoffMin  time.Duration // default 1s
	BackoffMax  time.Duration // default 5s
}

func (o *Options) defaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
}

type handlerReg struct {
	id int
	fn func(wire.Event)
}

// ackResult is what a pending request receives: the ack frame, or the
// connection error that made an ack impossible.
type ackResult struct {
	frame wire.Frame
	err   error
}

// Channel is the transport. All methods are safe for concurrent use.
type Channel struct {
	opts Options

	mu      sync.Mutex // guards conn, state, started, ready
	conn    *websocket.Conn
	state   State
	started bool
	ready   chan struct{}
	closed  chan struct{}

	writeMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]chan ackResult

	handlerMu sync.RWMutex
	handlers  map[wire.EventType][]handlerReg
	nextID    int

	stateMu   sync.RWMutex
	stateSubs map[int]func(State)
	nextState int

	trace *traceLog
}

// New creates a channel. Nothing connects until Connect is called.
func New(opts Options) *Channel {
	opts.defaults()
	return &Channel{
		opts:      opts,
		pending:   make(map[string]chan ackResult),
		handlers:  make(map[wire.EventType][]handlerReg),
		stateSubs: make(map[int]func(State)),
		closed:    make(chan struct{}),
		ready:     make(chan struct{}),
		trace:     newTraceLog(256),
	}
}

// Connect establishes the channel and blocks until the first dial succeeds
// or ctx expires. Idempotent: once the run loop is started, later calls
// return nil immediately and reconnection stays automatic.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ready := c.ready
	c.mu.Unlock()

	go c.run()

	select {
	case <-ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the channel down without reconnecting (logout path).
func (c *Channel) Close() error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil
	default:
	}
	close(c.closed)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.setState(StateDisconnected)
	c.failPending(ErrClosed)
	return nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is currently usable.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Trace returns the bounded recent-event trace, oldest first.
func (c *Channel) Trace() []TraceEntry { return c.trace.snapshot() }

// On subscribes fn to an event type. Handlers run on the reader goroutine
// in subscription order. The returned function unsubscribes.
func (c *Channel) On(ev wire.EventType, fn func(wire.Event)) func() {
	c.handlerMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[ev] = append(c.handlers[ev], handlerReg{id: id, fn: fn})
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		regs := c.handlers[ev]
		for i, r := range regs {
			if r.id == id {
				c.handlers[ev] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		c.handlerMu.Unlock()
	}
}

// OnState subscribes fn to connection state changes.
func (c *Channel) OnState(fn func(State)) func() {
	c.stateMu.Lock()
	c.nextState++
	id := c.nextState
	c.stateSubs[id] = fn
	c.stateMu.Unlock()

	return func() {
		c.stateMu.Lock()
		delete(c.stateSubs, id)
		c.stateMu.Unlock()
	}
}

// Emit fires an event without waiting for a response.
func (c *Channel) Emit(ev wire.EventType, payload any) error {
	return c.writeFrame(wire.Frame{Event: string(ev)}, payload)
}

// Request fires an event and waits for its ack. Exactly one outcome is
// returned: the ack data, a typed *AckError from the server, ErrAckTimeout,
// or a connection error. The wait is always bounded, by ctx and by
// AckTimeout, so a lost ack cannot hang the caller.
func (c *Channel) Request(ctx context.Context, ev wire.EventType, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ackCh := make(chan ackResult, 1)

	c.ackMu.Lock()
	c.pending[id] = ackCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	if err := c.writeFrame(wire.Frame{Event: string(ev), ID: id}, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ackCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != "" {
			return nil, &AckError{Reason: res.frame.Error}
		}
		return res.frame.Data, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Channel) writeFrame(f wire.Frame, payload any) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("channel: encode %s: %w", f.Event, err)
		}
		f.Data = b
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("channel: write %s: %w", f.Event, err)
	}
	c.trace.add("out", f.Event)
	return nil
}

// run dials, reads until the connection drops, and redials forever with
// capped exponential backoff until Close. A drop after a live session
// retries immediately; only repeated dial failures back off.
func (c *Channel) run() {
	backoff := c.opts.BackoffMin

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			log.Warnf("dial %s: %v (retrying in %s)", c.opts.URL, err, backoff)
			select {
			case <-c.closed:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.BackoffMax {
				backoff = c.opts.BackoffMax
			}
			continue
		}

		c.mu.Lock()
		select {
		case <-c.closed:
			c.mu.Unlock()
			conn.Close()
			return
		default:
		}
		c.conn = conn
		c.state = StateConnected
		ready := c.ready
		c.mu.Unlock()

		backoff = c.opts.BackoffMin
		select {
		case <-ready:
		default:
			close(ready)
		}
		c.notifyState(StateConnected)
		log.Infof("connected to %s", c.opts.URL)

		// Presence deltas missed while disconnected are not replayed, so
		// every (re)connect asks the server for a fresh snapshot.
		if err := c.Emit(wire.EventOnlineList, nil); err != nil {
			log.Warnf("presence snapshot request: %v", err)
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		c.failPending(ErrNotConnected)
		c.setState(StateDisconnected)

		select {
		case <-c.closed:
			return
		default:
			log.Infof("connection lost, reconnecting")
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	header := http.Header{}
	if tok := c.opts.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := dialer.Dial(c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop reads frames until the connection errors. Acks are routed to
// their pending request; everything else is decoded once and dispatched to
// handlers in subscription order.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				log.Debugf("read: %v", err)
			}
			return
		}
		c.trace.add("in", f.Event)

		if f.ReplyTo != "" {
			c.ackMu.Lock()
			ch, ok := c.pending[f.ReplyTo]
			c.ackMu.Unlock()
			if ok {
				select {
				case ch <- ackResult{frame: f}:
				default:
				}
			} else {
				log.Debugf("ack for unknown request %s", f.ReplyTo)
			}
			continue
		}

		ev, err := wire.Decode(f)
		if err != nil {
			log.Warnf("drop malformed %s: %v", f.Event, err)
			continue
		}
		if ev.Type == wire.EventUnknown {
			log.Debugf("ignoring unknown event %q", f.Event)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev wire.Event) {
	c.handlerMu.RLock()
	regs := make([]handlerReg, len(c.handlers[ev.Type]))
	copy(regs, c.handlers[ev.Type])
	c.handlerMu.RUnlock()

	for _, r := range regs {
		r.fn(ev)
	}
}

// failPending answers every in-flight request with an error-shaped ack so
// callers never hang across a disconnect.
func (c *Channel) failPending(err error) {
	c.ackMu.Lock()
	for _, ch := range c.pending {
		select {
		case ch <- ackResult{err: err}:
		default:
		}
	}
	c.ackMu.Unlock()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Channel) notifyState(s State) {
	c.stateMu.RLock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.stateMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
