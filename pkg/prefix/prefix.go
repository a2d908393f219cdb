// Package prefix implements the pure prefix-algebra functions over sets of
// NodeRefs that the SKIP+ maintenance algorithm is built on (spec.md §4.1).
// Every function here is side-effect free: none mutate their inputs, and
// none talk to the RPC substrate.
package prefix

import (
	"github.com/skipplusnet/skipplus/pkg/noderef"
)

// Prefix returns the first i bits of v's rs.
func Prefix(i uint, v noderef.NodeRef) string {
	return v.RS.Prefix(i).String()
}

// Pred returns the greatest w in W with w < v, or LOWEST if none.
func Pred(v noderef.NodeRef, w []noderef.NodeRef) noderef.Ref {
	best := noderef.Lowest
	for _, cand := range w {
		if cand.ID < v.ID {
			if !best.IsReal() || cand.ID > best.Node.ID {
				best = noderef.Real(cand)
			}
		}
	}
	return best
}

// Succ returns the least w in W with w > v, or HIGHEST if none.
func Succ(v noderef.NodeRef, w []noderef.NodeRef) noderef.Ref {
	best := noderef.Highest
	for _, cand := range w {
		if cand.ID > v.ID {
			if !best.IsReal() || cand.ID < best.Node.ID {
				best = noderef.Real(cand)
			}
		}
	}
	return best
}

// LevelNodes returns { w in n : prefix(i+1, w) = prefix(i, v) . x }.
func LevelNodes(i uint, v noderef.NodeRef, x bool, n []noderef.NodeRef) []noderef.NodeRef {
	want := v.RS.Append(i, x)
	var out []noderef.NodeRef
	for _, w := range n {
		if w.RS.Prefix(i + 1).Equal(want) {
			out = append(out, w)
		}
	}
	return out
}

// LevelPred is pred(v, levelNodes(i, v, x, n)).
func LevelPred(i uint, v noderef.NodeRef, x bool, n []noderef.NodeRef) noderef.Ref {
	return Pred(v, LevelNodes(i, v, x, n))
}

// LevelSucc is succ(v, levelNodes(i, v, x, n)).
func LevelSucc(i uint, v noderef.NodeRef, x bool, n []noderef.NodeRef) noderef.Ref {
	return Succ(v, LevelNodes(i, v, x, n))
}

// refMin/refMax tie-break by id, per spec.md §4.1, and treat sentinels as
// -inf/+inf respectively.
func refMin(a, b noderef.Ref) noderef.Ref {
	if a.Less(b) {
		return a
	}
	return b
}

func refMax(a, b noderef.Ref) noderef.Ref {
	if b.Less(a) {
		return a
	}
	return b
}

// Low is min(levelPred(i, v, 0, n), levelPred(i, v, 1, n)).
func Low(i uint, v noderef.NodeRef, n []noderef.NodeRef) noderef.Ref {
	return refMin(LevelPred(i, v, false, n), LevelPred(i, v, true, n))
}

// High is max(levelSucc(i, v, 0, n), levelSucc(i, v, 1, n)).
func High(i uint, v noderef.NodeRef, n []noderef.NodeRef) noderef.Ref {
	return refMax(LevelSucc(i, v, false, n), LevelSucc(i, v, true, n))
}

func leq(a, b noderef.Ref) bool { return a.Less(b) || a.Equal(b) }

// Range is { w in n : prefix(i, w) = prefix(i, v) and low <= w <= high }.
func Range(i uint, v noderef.NodeRef, n []noderef.NodeRef) []noderef.NodeRef {
	vPrefix := v.RS.Prefix(i)
	lo := Low(i, v, n)
	hi := High(i, v, n)
	var out []noderef.NodeRef
	for _, w := range n {
		if !w.RS.Prefix(i).Equal(vPrefix) {
			continue
		}
		wr := noderef.Real(w)
		if leq(lo, wr) && leq(wr, hi) {
			out = append(out, w)
		}
	}
	return out
}

// CommonPrefixLength returns the number of leading rs bits a and b share.
func CommonPrefixLength(a, b noderef.NodeRef) uint {
	max := a.RS.Len()
	if b.RS.Len() < max {
		max = b.RS.Len()
	}
	i := uint(0)
	for i < max && a.RS.Bit(i) == b.RS.Bit(i) {
		i++
	}
	return i
}

// LongestCommonPrefixNodes returns the subset of w with maximal common
// prefix length against w0's rs.
func LongestCommonPrefixNodes(w0 noderef.NodeRef, w []noderef.NodeRef) []noderef.NodeRef {
	if len(w) == 0 {
		return nil
	}
	best := uint(0)
	for i, cand := range w {
		l := CommonPrefixLength(w0, cand)
		if i == 0 || l > best {
			best = l
		}
	}
	var out []noderef.NodeRef
	for _, cand := range w {
		if CommonPrefixLength(w0, cand) == best {
			out = append(out, cand)
		}
	}
	return out
}
