package prefix_test

import (
	"testing"

	"github.com/skipplusnet/skipplus/pkg/identity"
	"github.com/skipplusnet/skipplus/pkg/noderef"
	"github.com/skipplusnet/skipplus/pkg/prefix"
)

// mkNode builds a deterministic NodeRef for tests: id is given directly
// (bypassing the host:port hash) and rs is built from a bit pattern string
// of '0'/'1' characters.
func mkNode(t *testing.T, id uint64, bits string) noderef.NodeRef {
	t.Helper()
	buf := make([]byte, (len(bits)+7)/8)
	for i, c := range bits {
		if c == '1' {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	rs := identity.FromBytes(buf, uint(len(bits)))
	return noderef.NodeRef{Host: "h", Port: int(id), RS: rs, ID: id}
}

func TestPredSuccEmptySentinels(t *testing.T) {
	v := mkNode(t, 10, "0000")
	if got := prefix.Pred(v, nil); got != noderef.Lowest {
		t.Errorf("Pred(empty) = %v, want LOWEST", got)
	}
	if got := prefix.Succ(v, nil); got != noderef.Highest {
		t.Errorf("Succ(empty) = %v, want HIGHEST", got)
	}
}

func TestPredSuccPicksClosest(t *testing.T) {
	v := mkNode(t, 10, "0000")
	w := []noderef.NodeRef{mkNode(t, 3, "0000"), mkNode(t, 7, "0000"), mkNode(t, 15, "0000")}

	pred := prefix.Pred(v, w)
	if !pred.IsReal() || pred.Node.ID != 7 {
		t.Errorf("Pred = %v, want id 7", pred)
	}

	succ := prefix.Succ(v, w)
	if !succ.IsReal() || succ.Node.ID != 15 {
		t.Errorf("Succ = %v, want id 15", succ)
	}
}

func TestLevelNodesPartitionsByPrefixAndBit(t *testing.T) {
	v := mkNode(t, 1, "0100")
	n := []noderef.NodeRef{
		mkNode(t, 2, "0000"), // prefix(1,v)=0, bit at pos1 -> 0 matches x=0 branch: prefix(2,w)="00" vs v.Append(1,false)="00" ok
		mkNode(t, 3, "0111"), // prefix(2,w)="01"
		mkNode(t, 4, "1000"), // prefix(1,w)="1" != prefix(1,v)="0" excluded from either
	}

	zeros := prefix.LevelNodes(1, v, false, n)
	ones := prefix.LevelNodes(1, v, true, n)

	if len(zeros) != 1 || zeros[0].ID != 2 {
		t.Errorf("LevelNodes(x=0) = %v, want [2]", idsOf(zeros))
	}
	if len(ones) != 1 || ones[0].ID != 3 {
		t.Errorf("LevelNodes(x=1) = %v, want [3]", idsOf(ones))
	}
}

func idsOf(nodes []noderef.NodeRef) []uint64 {
	out := make([]uint64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestLongestCommonPrefixNodesPicksLongestMatch(t *testing.T) {
	w0 := mkNode(t, 1, "1100")
	candidates := []noderef.NodeRef{
		mkNode(t, 2, "1100"), // matches all 4 bits
		mkNode(t, 3, "1101"), // matches 3 bits
		mkNode(t, 4, "0000"), // matches 0 bits
	}

	got := prefix.LongestCommonPrefixNodes(w0, candidates)
	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("LongestCommonPrefixNodes = %v, want [2]", idsOf(got))
	}
}

func TestRangeContainsOnlySharedPrefixWithinBounds(t *testing.T) {
	v := mkNode(t, 10, "0000")
	n := []noderef.NodeRef{
		mkNode(t, 5, "0000"),
		mkNode(t, 20, "0000"),
		mkNode(t, 30, "1111"), // different prefix(1,*) at level 1, excluded
	}

	got := prefix.Range(1, v, n)
	for _, w := range got {
		if w.ID == 30 {
			t.Errorf("Range included node with mismatched prefix: %v", idsOf(got))
		}
	}
}
