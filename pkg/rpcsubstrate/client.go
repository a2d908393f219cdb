package rpcsubstrate

import "context"

// Proxy is the typed view of the five RPCs a node exposes to its peers
// (spec.md §4.2, §4.4), backed by a shared Pool so that many Proxies for
// different peers reuse connections keyed by address.
type Proxy struct {
	pool *Pool
	addr string
}

// NewProxy returns a Proxy for the peer at addr ("host:port").
func NewProxy(pool *Pool, addr string) *Proxy {
	return &Proxy{pool: pool, addr: addr}
}

// GetRs asks the peer for its rs.
func (p *Proxy) GetRs(ctx context.Context) (GetRsResult, error) {
	var res GetRsResult
	err := p.pool.Call(ctx, p.addr, MethodGetRs, GetRsArgs{}, &res)
	return res, err
}

// Linearise introduces a candidate neighbor to the peer.
func (p *Proxy) Linearise(ctx context.Context, args LineariseArgs) error {
	var res LineariseResult
	return p.pool.Call(ctx, p.addr, MethodLinearise, args, &res)
}

// Search routes args to whichever node is responsible for its key,
// performs Op there, and returns that node's result.
func (p *Proxy) Search(ctx context.Context, args SearchArgs) (SearchResult, error) {
	var res SearchResult
	err := p.pool.Call(ctx, p.addr, MethodSearch, args, &res)
	return res, err
}

// HandOff asks the peer (the caller's new predecessor) to transfer
// every entry that now belongs to the caller, identified by requester.
func (p *Proxy) HandOff(ctx context.Context, requester HandOffArgs) (HandOffResult, error) {
	var res HandOffResult
	err := p.pool.Call(ctx, p.addr, MethodHandOff, requester, &res)
	return res, err
}

// TakeOver pushes entries (a departing node's entire local table) to
// the peer (its predecessor) for safekeeping.
func (p *Proxy) TakeOver(ctx context.Context, entries map[string][]byte) error {
	var res TakeOverResult
	return p.pool.Call(ctx, p.addr, MethodTakeOver, TakeOverArgs{Entries: entries}, &res)
}
