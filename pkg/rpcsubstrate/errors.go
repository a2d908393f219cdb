// Package rpcsubstrate provides the abstract RPC contract nodes use to talk
// to each other (spec.md §5): reliable exactly-once-or-error delivery,
// per-connection order preservation, one pooled connection per (host,port)
// peer, and a distinct surfaced failure for every way a call can fail to
// complete normally.
package rpcsubstrate

import "fmt"

// Kind distinguishes the five ways a remote call can fail to return a
// normal result, per spec.md §7. A caller must be able to tell these apart:
// a periodic linearise tick swallows RemoteError but a user-initiated
// search does not, and InvariantViolation is always fatal regardless of
// who initiated the call.
type Kind uint8

const (
	// KindConnectError means a connection to the peer could not be
	// established at all (dial failure, handshake failure).
	KindConnectError Kind = iota
	// KindConnectionLost means a connection was established but broke
	// before a response for this call arrived.
	KindConnectionLost
	// KindRemoteError means the peer received the call, ran its handler,
	// and the handler itself failed.
	KindRemoteError
	// KindInvariantViolation means a response arrived that contradicts an
	// invariant the protocol relies on. Fatal: the node that observes it
	// must abort.
	KindInvariantViolation
	// KindMalformedMessage means bytes arrived that could not be decoded
	// into a valid request or response envelope.
	KindMalformedMessage
)

func (k Kind) String() string {
	switch k {
	case KindConnectError:
		return "ConnectError"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindRemoteError:
		return "RemoteError"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindMalformedMessage:
		return "MalformedMessage"
	default:
		return "UnknownError"
	}
}

// Error is the single error type every substrate-facing call returns,
// tagged with a Kind so callers can switch on failure class instead of
// string-matching.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rpcsubstrate: %s: %s", e.Kind, e.Addr)
	}
	return fmt.Sprintf("rpcsubstrate: %s: %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, addr string, err error) *Error {
	return &Error{Kind: kind, Addr: addr, Err: err}
}

// IsFatal reports whether a substrate error must abort the node that
// observed it, rather than being logged and swallowed or propagated to
// the caller as an ordinary failure.
func IsFatal(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == KindInvariantViolation
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
