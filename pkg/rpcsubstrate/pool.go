package rpcsubstrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// DefaultDialTimeout bounds how long establishing a connection to a peer
// may take before it is reported as a ConnectError.
const DefaultDialTimeout = 5 * time.Second

// connState tracks one peer connection's lifecycle: a conn is created in
// the established state once the handshake completes, and falls back to
// absent the moment the connection breaks, so the next call re-dials from
// scratch rather than reusing a half-dead socket. The pending phase of a
// dial in flight is tracked by Pool.dialGroup, not by this field;
// statePending is never assigned.
type connState uint8

const (
	stateAbsent connState = iota
	statePending
	stateEstablished
)

// conn wraps one established websocket connection to a peer and the
// table of calls awaiting a response on it. Writes are serialized by
// writeMu because gorilla/websocket forbids concurrent writers; reads
// happen on a single dedicated goroutine (readLoop) that fans responses
// out to waiters by correlation id, which is what lets several concurrent
// calls share one connection without blocking each other.
type conn struct {
	addr string
	ws   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	state   connState
	pending map[string]chan *Response
	lastErr error
}

// RPCObserver receives the outcome of every call made through a Pool,
// letting a telemetry layer instrument the substrate without this
// package depending on it.
type RPCObserver interface {
	ObserveRPC(method string, start time.Time, errKind string)
}

// Pool caches one connection per (host,port) peer and ensures that
// concurrent calls to a not-yet-connected peer share a single dial
// instead of racing to open several sockets (spec.md §5). A single Pool
// is shared by every node in a process (pkg/factory.Cluster), so two
// local nodes calling the same external peer reuse one transport rather
// than opening a second.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*conn
	dialGroup   singleflight.Group
	dialTimeout time.Duration

	obsMu     sync.Mutex
	observers []RPCObserver
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		conns:       make(map[string]*conn),
		dialTimeout: DefaultDialTimeout,
	}
}

// Observe adds o to the pool's RPC observers; every observer added this
// way sees every call made through the pool, not just the ones its own
// node initiated, since the pool (and therefore the underlying
// transport) may be shared across several local nodes.
func (p *Pool) Observe(o RPCObserver) {
	p.obsMu.Lock()
	p.observers = append(p.observers, o)
	p.obsMu.Unlock()
}

// Call invokes method on the peer at addr ("host:port"), dialing and
// caching a connection if one isn't already established, decodes the
// reply into result (unless result is nil), and returns nil or a typed
// *Error.
func (p *Pool) Call(ctx context.Context, addr string, method Method, args interface{}, result interface{}) error {
	start := time.Now()
	err := p.call(ctx, addr, method, args, result)

	p.obsMu.Lock()
	observers := p.observers
	p.obsMu.Unlock()
	if len(observers) > 0 {
		kind := ""
		var e *Error
		if asError(err, &e) {
			kind = e.Kind.String()
		}
		for _, o := range observers {
			o.ObserveRPC(string(method), start, kind)
		}
	}
	return err
}

func (p *Pool) call(ctx context.Context, addr string, method Method, args interface{}, result interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return newError(KindMalformedMessage, addr, fmt.Errorf("marshal args: %w", err))
	}

	c, err := p.getConn(ctx, addr)
	if err != nil {
		return err
	}

	raw, err := c.call(ctx, method, argsJSON)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return newError(KindMalformedMessage, addr, fmt.Errorf("unmarshal result: %w", err))
	}
	return nil
}

// getConn returns a cached, established connection to addr, dialing one
// if necessary. Concurrent callers for the same addr block on the same
// in-flight dial rather than each starting their own.
func (p *Pool) getConn(ctx context.Context, addr string) (*conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[addr]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.dialGroup.Do(addr, func() (interface{}, error) {
		return p.dial(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (p *Pool) dial(ctx context.Context, addr string) (*conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s/rpc", addr)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, newError(KindConnectError, addr, err)
	}

	c := &conn{
		addr:    addr,
		ws:      ws,
		state:   stateEstablished,
		pending: make(map[string]chan *Response),
	}

	p.mu.Lock()
	p.conns[addr] = c
	p.mu.Unlock()

	go c.readLoop(p)

	return c, nil
}

// drop removes a broken connection from the pool so the next call re-dials.
func (p *Pool) drop(addr string) {
	p.mu.Lock()
	delete(p.conns, addr)
	p.mu.Unlock()
}

// call sends method/args over c and blocks until a matching response
// arrives, ctx is cancelled, or the connection breaks.
func (c *conn) call(ctx context.Context, method Method, args json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	waiter := make(chan *Response, 1)

	c.mu.Lock()
	if c.state != stateEstablished {
		err := c.lastErr
		c.mu.Unlock()
		if err == nil {
			err = newError(KindConnectionLost, c.addr, nil)
		}
		return nil, err
	}
	c.pending[id] = waiter
	c.mu.Unlock()

	env := Envelope{CorrelationID: id, Request: &Request{Method: string(method), Args: args}}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, newError(KindConnectionLost, c.addr, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, newError(KindConnectError, c.addr, ctx.Err())
	case resp, ok := <-waiter:
		if !ok {
			return nil, newError(KindConnectionLost, c.addr, nil)
		}
		if resp.Error != nil {
			return nil, newError(KindRemoteError, c.addr, fmt.Errorf("%s", resp.Error.Message))
		}
		return resp.Result, nil
	}
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches incoming response envelopes to their waiter and,
// on read failure, tears the connection down, failing every outstanding
// call with ConnectionLost.
func (c *conn) readLoop(p *Pool) {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.teardown(p, err)
			return
		}
		if env.Response == nil {
			continue // requests arrive on the server's accept loop, not here
		}
		c.mu.Lock()
		waiter, ok := c.pending[env.CorrelationID]
		if ok {
			delete(c.pending, env.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- env.Response
		}
	}
}

func (c *conn) teardown(p *Pool, err error) {
	c.mu.Lock()
	c.state = stateAbsent
	c.lastErr = newError(KindConnectionLost, c.addr, err)
	waiters := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	p.drop(c.addr)
	c.ws.Close()
}
