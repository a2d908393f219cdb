package rpcsubstrate

import "encoding/json"

// Envelope is the single frame type exchanged over a connection. A
// connection carries a stream of Envelopes in both directions; Request
// is non-nil for a call, Response is non-nil for its answer. The
// CorrelationID ties a Response back to its Request so that concurrent
// calls sharing one connection can each be dispatched to the right
// waiter.
type Envelope struct {
	CorrelationID string    `json:"correlation_id"`
	Request       *Request  `json:"request,omitempty"`
	Response      *Response `json:"response,omitempty"`
}

// Request names the method to invoke and carries its arguments as a raw
// JSON value, so the dispatch table can decode into the method's own
// argument type without the substrate knowing every method signature.
type Request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// Response carries either a successful result or a remote-side failure,
// never both. ErrorInfo is nil on success.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the wire representation of a handler failure. Kind is
// always KindRemoteError on arrival: a peer only ever reports its own
// handler's failure this way, never the substrate-level failure kinds,
// which are synthesized locally from connection and decode failures.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Method names the five RPCs the overlay and DHT layers expose to peers
// (spec.md §4.2, §4.4). Keeping them as a closed set of constants, rather
// than bare strings scattered across callers, is what lets the server's
// dispatch table and the client's Proxy stay in lockstep.
type Method string

const (
	MethodGetRs     Method = "getRs"
	MethodLinearise Method = "linearise"
	MethodSearch    Method = "search"
	MethodHandOff   Method = "handOff"
	MethodTakeOver  Method = "takeOver"
)

// GetRsArgs requests the callee's rs; it carries no fields, it exists so
// the dispatch table has a uniform decode target.
type GetRsArgs struct{}

// GetRsResult is the callee's rs, wire-encoded as raw bytes (§6).
type GetRsResult struct {
	RS  []byte `json:"rs"`
	Len uint   `json:"len"`
}

// LineariseArgs introduces the caller u to the callee as a candidate
// neighbor, per spec.md §4.3.
type LineariseArgs struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	RS   []byte `json:"rs"`
	Len  uint   `json:"len"`
}

// LineariseResult carries nothing back; linearise's effect is entirely
// on the callee's neighborhood.
type LineariseResult struct{}

// SearchOp names the operation search() performs once it reaches the
// node responsible for a key (spec.md §4.4).
type SearchOp string

const (
	SearchOpLookup SearchOp = "lookup"
	SearchOpInsert SearchOp = "insert"
	SearchOpDelete SearchOp = "delete"
)

// SearchArgs carries a fully-routed request: the key, its precomputed
// unit-interval projection (computed once by the originating Insert,
// Remove, or Lookup call and carried unchanged through every hop), the
// operation to perform once the owning node is reached, and Value for
// Op == SearchOpInsert.
type SearchArgs struct {
	Key   string   `json:"key"`
	KeyU  float64  `json:"key_u"`
	Op    SearchOp `json:"op"`
	Value []byte   `json:"value,omitempty"`
}

// SearchResult is the terminal outcome of the whole routing chain: a
// node that forwards a search returns whatever its own forwarding call
// returned, so a caller never needs to know how many hops were taken.
type SearchResult struct {
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

// HandOffArgs asks the callee (a node's new predecessor) to transfer
// every entry whose key now belongs to v, the requesting node.
type HandOffArgs struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	RS   []byte `json:"rs"`
	Len  uint   `json:"len"`
}

// HandOffResult carries the transferred entries, keyed by their
// original key.
type HandOffResult struct {
	Entries map[string][]byte `json:"entries,omitempty"`
}

// TakeOverArgs carries an entire departing node's local table, to be
// merged into the callee's (its predecessor's) table.
type TakeOverArgs struct {
	Entries map[string][]byte `json:"entries,omitempty"`
}

type TakeOverResult struct{}
