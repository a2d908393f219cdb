// Package hashnode layers the distributed hash table operations
// (spec.md §4.4) on top of a SKIP+ overlay node: key ownership by
// predecessor/successor, routing search requests to the owning node,
// and handing off entries as ownership shifts.
package hashnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skipplusnet/skipplus/pkg/identity"
	"github.com/skipplusnet/skipplus/pkg/noderef"
	"github.com/skipplusnet/skipplus/pkg/prefix"
	"github.com/skipplusnet/skipplus/pkg/rpcsubstrate"
	"github.com/skipplusnet/skipplus/pkg/skipnode"
)

// handOffTimeout bounds how long a node waits for its new predecessor
// to answer a post-linearise handOff request.
const handOffTimeout = 5 * time.Second

// Node is a SKIP+ overlay node extended with local key ownership
// tracking and the DHT's search/handOff/takeOver RPCs.
type Node struct {
	*skipnode.Node

	pred  noderef.Ref // only ever read/written on the embedded Node's loop
	succ  noderef.Ref
	table map[string][]byte
}

// New constructs a Node, wiring its predecessor/successor tracking into
// the embedded skipnode.Node's linearise handler.
func New(cfg skipnode.Config) (*Node, error) {
	base, err := skipnode.New(cfg)
	if err != nil {
		return nil, err
	}
	h := &Node{
		Node:  base,
		pred:  noderef.Lowest,
		succ:  noderef.Highest,
		table: make(map[string][]byte),
	}
	base.SetPostLinearise(h.onLinearise)
	return h, nil
}

// RegisterHandlers installs both the overlay handlers (getRs, linearise)
// and the DHT handlers (search, handOff, takeOver) on srv.
func (h *Node) RegisterHandlers(srv *rpcsubstrate.Server) {
	h.Node.RegisterHandlers(srv)
	srv.Register(rpcsubstrate.MethodSearch, h.handleSearch)
	srv.Register(rpcsubstrate.MethodHandOff, h.handleHandOff)
	srv.Register(rpcsubstrate.MethodTakeOver, h.handleTakeOver)
}

// Insert adds key/value to the distributed hash table, routing to
// whichever node currently owns key.
func (h *Node) Insert(ctx context.Context, key string, value []byte) error {
	_, err := h.route(ctx, rpcsubstrate.SearchArgs{
		Key:   key,
		KeyU:  identity.UnitInterval(identity.KeyHash(key)),
		Op:    rpcsubstrate.SearchOpInsert,
		Value: value,
	})
	return err
}

// Remove deletes key from the distributed hash table.
func (h *Node) Remove(ctx context.Context, key string) error {
	_, err := h.route(ctx, rpcsubstrate.SearchArgs{
		Key:  key,
		KeyU: identity.UnitInterval(identity.KeyHash(key)),
		Op:   rpcsubstrate.SearchOpDelete,
	})
	return err
}

// Lookup returns key's value and whether it was found.
func (h *Node) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := h.route(ctx, rpcsubstrate.SearchArgs{
		Key:  key,
		KeyU: identity.UnitInterval(identity.KeyHash(key)),
		Op:   rpcsubstrate.SearchOpLookup,
	})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Stats reports the size of this node's local share of the table, for
// diagnostics (spec.md §4.4).
func (h *Node) Stats() (entries int) {
	h.RunOnLoop(func() { entries = len(h.table) })
	return entries
}

// PredSucc returns this node's current predecessor and successor, for
// diagnostics and the --visualize snapshot logger (spec.md §6).
func (h *Node) PredSucc() (pred, succ noderef.Ref) {
	h.RunOnLoop(func() {
		pred = h.pred
		succ = h.succ
	})
	return pred, succ
}

// Shutdown hands this node's entire local table to its predecessor, if
// it has one, before the caller stops the underlying overlay node.
func (h *Node) Shutdown(ctx context.Context) error {
	var pred noderef.Ref
	var entries map[string][]byte
	h.RunOnLoop(func() {
		pred = h.pred
		entries = h.table
	})
	if !pred.IsReal() || len(entries) == 0 {
		return nil
	}
	proxy := rpcsubstrate.NewProxy(h.Pool(), pred.Node.Addr())
	return proxy.TakeOver(ctx, entries)
}

// searchDecision is the outcome of evaluating a search request against
// this node's current pred/succ/table: either it was handled locally,
// or it must be forwarded to forwardAddr.
type searchDecision struct {
	local       bool
	result      rpcsubstrate.SearchResult
	forwardAddr string
}

// route evaluates args against this node's own position (the entry
// point of the routing chain, whether from a local Insert/Remove/Lookup
// call or from a peer's incoming search RPC) and either answers
// directly or forwards one hop and returns that hop's answer.
func (h *Node) route(ctx context.Context, args rpcsubstrate.SearchArgs) (rpcsubstrate.SearchResult, error) {
	var d searchDecision
	h.RunOnLoop(func() { d = h.decide(args) })
	if d.local {
		return d.result, nil
	}
	proxy := rpcsubstrate.NewProxy(h.Pool(), d.forwardAddr)
	return proxy.Search(ctx, args)
}

// decide implements search()'s routing logic (spec.md §4.4), including
// the sentinel pre-checks that must run before the general pred/succ
// bracket test: without our own overlay having no cyclic edges, naively
// forwarding to a sentinel predecessor or successor would be an
// invariant violation. Must run on the embedded Node's loop.
func (h *Node) decide(args rpcsubstrate.SearchArgs) searchDecision {
	self := h.Self()
	unitID := identity.UnitInterval(self.ID)
	unitKey := args.KeyU

	processLocally := func() searchDecision {
		return searchDecision{local: true, result: h.applyLocally(args)}
	}

	if !h.pred.IsReal() && unitKey < unitID {
		return processLocally()
	}
	if !h.succ.IsReal() && unitKey > unitID {
		return processLocally()
	}

	predUnit, predOK := unitOf(h.pred)
	succUnit, succOK := unitOf(h.succ)
	inBracket := (!predOK || predUnit <= unitKey) && (!succOK || unitKey <= succUnit)

	if !inBracket {
		neighbors := h.NeighborsSnapshot()
		next, ok := nextHop(unitKey, predUnit, neighbors)
		if !ok {
			panic(fmt.Sprintf("hashnode: no forwarding candidate for key %q (key_u=%v, pred=%v, succ=%v)", args.Key, unitKey, h.pred, h.succ))
		}
		return searchDecision{forwardAddr: next.Addr()}
	}

	if unitKey < unitID {
		// Past the bracket check, pred must be real: the sentinel
		// pre-check above already handled unitKey < unitID while pred
		// was still LOWEST.
		return searchDecision{forwardAddr: h.pred.Node.Addr()}
	}
	return processLocally()
}

// nextHop picks the neighbor closest to unitKey without overstepping
// it: the least neighbor above unitKey if unitKey fell below our
// predecessor, otherwise the greatest neighbor below unitKey.
func nextHop(unitKey, predUnit float64, neighbors []noderef.NodeRef) (noderef.NodeRef, bool) {
	var best noderef.NodeRef
	found := false
	if unitKey < predUnit {
		for _, x := range neighbors {
			xu := identity.UnitInterval(x.ID)
			if xu > unitKey && (!found || xu < identity.UnitInterval(best.ID)) {
				best, found = x, true
			}
		}
	} else {
		for _, x := range neighbors {
			xu := identity.UnitInterval(x.ID)
			if xu < unitKey && (!found || xu > identity.UnitInterval(best.ID)) {
				best, found = x, true
			}
		}
	}
	return best, found
}

func unitOf(r noderef.Ref) (float64, bool) {
	if !r.IsReal() {
		return 0, false
	}
	return identity.UnitInterval(r.Node.ID), true
}

func (h *Node) applyLocally(args rpcsubstrate.SearchArgs) rpcsubstrate.SearchResult {
	switch args.Op {
	case rpcsubstrate.SearchOpLookup:
		v, ok := h.table[args.Key]
		return rpcsubstrate.SearchResult{Found: ok, Value: v}
	case rpcsubstrate.SearchOpInsert:
		h.table[args.Key] = args.Value
		h.reportTableSize()
		return rpcsubstrate.SearchResult{Found: true}
	case rpcsubstrate.SearchOpDelete:
		delete(h.table, args.Key)
		h.reportTableSize()
		return rpcsubstrate.SearchResult{Found: true}
	default:
		panic(fmt.Sprintf("hashnode: unknown search op %q", args.Op))
	}
}

// reportTableSize updates the DHT entries gauge, if metrics are
// configured. Must run on the embedded Node's loop.
func (h *Node) reportTableSize() {
	if m := h.Metrics(); m != nil {
		m.DHTEntries.Set(float64(len(h.table)))
	}
}

// onLinearise recomputes pred/succ after every linearise call and, if
// our predecessor changed to a new real node, asynchronously fetches
// the entries that now belong to us. Runs on the embedded Node's loop,
// as Node.SetPostLinearise requires.
func (h *Node) onLinearise() {
	neighbors := h.NeighborsSnapshot()
	self := h.Self()
	oldPred := h.pred
	h.pred = prefix.Pred(self, neighbors)
	h.succ = prefix.Succ(self, neighbors)

	if h.pred.IsReal() && !h.pred.Equal(oldPred) {
		h.fetchHandOff(h.pred.Node)
	}
}

// fetchHandOff asks target (our new predecessor) for the entries that
// now belong to us, off the loop goroutine since it blocks on network
// I/O, and merges the result back in via RunOnLoop.
func (h *Node) fetchHandOff(target noderef.NodeRef) {
	self := h.Self()
	proxy := rpcsubstrate.NewProxy(h.Pool(), target.Addr())
	args := rpcsubstrate.HandOffArgs{Host: self.Host, Port: self.Port, RS: self.RS.Bytes(), Len: self.RS.Len()}
	logger := h.Logger()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handOffTimeout)
		defer cancel()
		res, err := proxy.HandOff(ctx, args)
		if err != nil {
			logger.Debug("handOff fetch failed", "target", target.String(), "error", err.Error())
			return
		}
		if len(res.Entries) == 0 {
			return
		}
		h.RunOnLoop(func() {
			for k, v := range res.Entries {
				h.table[k] = v
			}
			h.reportTableSize()
		})
	}()
}

func (h *Node) handleSearch(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args rpcsubstrate.SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return h.route(ctx, args)
}

func (h *Node) handleHandOff(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args rpcsubstrate.HandOffArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rs := identity.FromBytes(args.RS, args.Len)
	v := noderef.Of(args.Host, args.Port, rs)
	vUnit := identity.UnitInterval(v.ID)

	var result rpcsubstrate.HandOffResult
	h.RunOnLoop(func() {
		entries := make(map[string][]byte)
		for k := range h.table {
			if identity.UnitInterval(identity.KeyHash(k)) >= vUnit {
				entries[k] = h.table[k]
				delete(h.table, k)
			}
		}
		result = rpcsubstrate.HandOffResult{Entries: entries}
		h.reportTableSize()
	})
	return result, nil
}

func (h *Node) handleTakeOver(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args rpcsubstrate.TakeOverArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	h.RunOnLoop(func() {
		for k, v := range args.Entries {
			h.table[k] = v
		}
		h.reportTableSize()
	})
	return rpcsubstrate.TakeOverResult{}, nil
}
