// Package noderef defines the value-type node handle used throughout the
// overlay and its total order, including the two pseudo references
// (LOWEST, HIGHEST) that bracket every real NodeRef.
package noderef

import (
	"fmt"

	"github.com/skipplusnet/skipplus/pkg/identity"
)

// NodeRef is a copyable handle identifying a peer: (host, port, rs, id).
// Equality and order are defined strictly by ID; Host/Port/RS are carried
// along so the holder can reach the peer over the RPC substrate and run
// the prefix algebra against rs.
type NodeRef struct {
	Host string
	Port int
	RS   identity.RandomString
	ID   uint64
}

// Of builds a NodeRef, deriving ID from host:port.
func Of(host string, port int, rs identity.RandomString) NodeRef {
	return NodeRef{Host: host, Port: port, RS: rs, ID: identity.NodeID(host, port)}
}

// Equal compares by id only, per the data model in §3.
func (n NodeRef) Equal(o NodeRef) bool { return n.ID == o.ID }

// Less orders by id only.
func (n NodeRef) Less(o NodeRef) bool { return n.ID < o.ID }

func (n NodeRef) String() string {
	return fmt.Sprintf("%s:%d#%x", n.Host, n.Port, n.ID)
}

// Addr returns the "host:port" form used as the RPC substrate's
// connection-cache key.
func (n NodeRef) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Kind discriminates a Ref between a real NodeRef and the two sentinels.
// This is the sum-type representation Design Note 9 calls for, rather
// than subclassing NodeRef: there is never an "empty NodeRef" floating
// around that a careless caller could dereference remotely.
type Kind uint8

const (
	KindReal Kind = iota
	KindLowest
	KindHighest
)

// rank gives the sentinel ordering: Lowest < any Real < Highest.
func (k Kind) rank() int {
	switch k {
	case KindLowest:
		return 0
	case KindHighest:
		return 2
	default:
		return 1
	}
}

// Ref extends NodeRef with the two pseudo references from §3. Node
// field is only meaningful when Kind == KindReal; attempting a remote
// invocation through a sentinel Ref is a programming error (an
// InvariantViolation, §7) and callers must check Kind first.
type Ref struct {
	Kind Kind
	Node NodeRef
}

// Lowest and Highest are the two sentinel values: for every real NodeRef
// v, Lowest < v < Highest.
var (
	Lowest  = Ref{Kind: KindLowest}
	Highest = Ref{Kind: KindHighest}
)

// Real wraps a concrete NodeRef as a Ref.
func Real(n NodeRef) Ref { return Ref{Kind: KindReal, Node: n} }

// IsReal reports whether r refers to an actual node.
func (r Ref) IsReal() bool { return r.Kind == KindReal }

// Less orders Lowest < reals-by-id < Highest.
func (r Ref) Less(o Ref) bool {
	rr, or := r.Kind.rank(), o.Kind.rank()
	if rr != or {
		return rr < or
	}
	if r.Kind == KindReal {
		return r.Node.ID < o.Node.ID
	}
	return false // two sentinels of the same kind are equal, not less
}

// Equal compares sentinel kind, or id when both are real.
func (r Ref) Equal(o Ref) bool {
	if r.Kind != o.Kind {
		return false
	}
	if r.Kind == KindReal {
		return r.Node.ID == o.Node.ID
	}
	return true
}

func (r Ref) String() string {
	switch r.Kind {
	case KindLowest:
		return "LOWEST"
	case KindHighest:
		return "HIGHEST"
	default:
		return r.Node.String()
	}
}

// Min returns the smaller of a and b, tie-broken by id (spec.md §4.1).
func Min(a, b NodeRef) NodeRef {
	if a.ID <= b.ID {
		return a
	}
	return b
}

// Max returns the larger of a and b, tie-broken by id.
func Max(a, b NodeRef) NodeRef {
	if a.ID >= b.ID {
		return a
	}
	return b
}
