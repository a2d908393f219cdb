package rpcsubstrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Handler decodes its own arguments from raw and returns a result value
// to be JSON-encoded, or an error describing why the call failed. A
// Handler never sees substrate-level failures (those never reach a
// peer); it only ever reports its own domain failure, which the
// substrate reports to the caller as KindRemoteError.
type Handler func(ctx context.Context, raw json.RawMessage) (interface{}, error)

// Server accepts inbound connections from peers and dispatches each
// request envelope to the registered Handler for its method, mirroring
// the teacher's JSON envelope but over a long-lived duplex socket
// instead of one HTTP round trip per call, so a peer's linearise and
// search calls can share one connection.
type Server struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[Method]Handler
}

// NewServer creates a Server with no handlers registered.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		handlers: make(map[Method]Handler),
	}
}

// Register installs the handler invoked for method.
func (s *Server) Register(method Method, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// ServeHTTP upgrades the connection and serves requests on it until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	ctx := r.Context()

	// Requests are dispatched one at a time, in the order this socket
	// read them off the wire: a peer relies on its own requests being
	// applied to our node loop in the order it sent them (spec.md
	// §4.2/§5), so this loop must not hand a request to a new goroutine
	// and move on to the next one before the current one's handler (and
	// whatever it submits to the callee's node loop) has finished.
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Request == nil {
			continue // this socket only serves requests; our own pool ignores responses it didn't ask for
		}
		s.dispatch(ctx, ws, &writeMu, env)
	}
}

func (s *Server) dispatch(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex, env Envelope) {
	s.mu.RLock()
	h, ok := s.handlers[Method(env.Request.Method)]
	s.mu.RUnlock()

	var resp Response
	if !ok {
		resp.Error = &ErrorInfo{Message: fmt.Sprintf("unknown method %q", env.Request.Method)}
	} else {
		result, err := h(ctx, env.Request.Args)
		if err != nil {
			resp.Error = &ErrorInfo{Message: err.Error()}
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &ErrorInfo{Message: fmt.Sprintf("marshal result: %v", err)}
			} else {
				resp.Result = raw
			}
		}
	}

	out := Envelope{CorrelationID: env.CorrelationID, Response: &resp}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = ws.WriteJSON(out)
}
