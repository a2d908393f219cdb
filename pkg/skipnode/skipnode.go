package skipnode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"golang.org/x/time/rate"

	"github.com/skipplusnet/skipplus/pkg/identity"
	"github.com/skipplusnet/skipplus/pkg/logging"
	"github.com/skipplusnet/skipplus/pkg/noderef"
	"github.com/skipplusnet/skipplus/pkg/prefix"
	"github.com/skipplusnet/skipplus/pkg/rpcsubstrate"
	"github.com/skipplusnet/skipplus/pkg/telemetry"
)

// Config configures a Node.
type Config struct {
	Host         string
	Port         int
	BitLength    uint
	TickInterval time.Duration
	WorkerCount  int
	Pool         *rpcsubstrate.Pool
	Logger       *logging.Logger
	Metrics      *telemetry.Metrics

	// OutboundRPSLimit caps how many linearise RPCs this node may
	// initiate per second, smoothing the burst a timeout tick's
	// chain-linearize-and-bridge pass would otherwise send to its
	// neighbors all at once. Zero means unlimited.
	OutboundRPSLimit float64
}

// Node is one SKIP+ overlay participant. All of its mutable state (rs
// aside, which is fixed at construction) is only ever touched on its
// loop goroutine; every exported method that reads or writes it submits
// a closure to that loop and blocks for the result, so callers never
// need to reason about concurrent access to a Node's neighborhood.
type Node struct {
	self noderef.NodeRef

	bitLength uint
	neighbors map[uint64]noderef.NodeRef   // N
	ranges    [][]noderef.NodeRef          // range(i, self, N) for i in [0, bitLength-1)
	inRanges  map[uint64]noderef.NodeRef   // union of ranges, i.e. the "desirable" neighbors

	pool    *rpcsubstrate.Pool
	workers *workerpool.WorkerPool
	logger  *logging.Logger
	metrics *telemetry.Metrics
	limiter *rate.Limiter

	tickInterval time.Duration
	loop         *loop

	mu      sync.Mutex // guards timer and abort state; timer callbacks resubmit to loop
	timer   *time.Timer
	closed  bool
	abortErr error

	postLinearise func()
}

// New constructs a Node with a freshly generated rs, ready to be
// Started. It does not yet run its tick or accept RPCs; callers
// register it with a rpcsubstrate.Server (see RegisterHandlers) and
// call Start once the server is listening.
func New(cfg Config) (*Node, error) {
	if cfg.BitLength == 0 {
		cfg.BitLength = identity.DefaultBitLength
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	rs, err := identity.New(cfg.BitLength)
	if err != nil {
		return nil, fmt.Errorf("skipnode: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.OutboundRPSLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRPSLimit), int(cfg.OutboundRPSLimit)+1)
	}

	n := &Node{
		self:         noderef.Of(cfg.Host, cfg.Port, rs),
		bitLength:    cfg.BitLength,
		neighbors:    make(map[uint64]noderef.NodeRef),
		ranges:       make([][]noderef.NodeRef, cfg.BitLength-1),
		inRanges:     make(map[uint64]noderef.NodeRef),
		pool:         cfg.Pool,
		workers:      workerpool.New(cfg.WorkerCount),
		logger:       cfg.Logger.WithField("node", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		metrics:      cfg.Metrics,
		limiter:      limiter,
		tickInterval: cfg.TickInterval,
		loop:         newLoop(),
	}
	n.loop.onFatal = func(recovered interface{}) {
		n.mu.Lock()
		n.abortErr = fmt.Errorf("skipnode: invariant violation, node aborted: %v", recovered)
		n.mu.Unlock()
		n.logger.Error("invariant violation, aborting node", "panic", recovered)
	}
	if n.pool != nil && n.metrics != nil {
		n.pool.Observe(n.metrics)
	}
	return n, nil
}

// Aborted reports whether this node has hit an InvariantViolation and
// stopped serving, and the error describing why.
func (n *Node) Aborted() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.abortErr != nil, n.abortErr
}

// Self returns the node's own reference.
func (n *Node) Self() noderef.NodeRef { return n.self }

// Pool returns the shared RPC substrate connection pool this node calls
// peers through, for layers built on top of Node (e.g. hashnode) that
// need to issue their own RPCs.
func (n *Node) Pool() *rpcsubstrate.Pool { return n.pool }

// Logger returns this node's identity-scoped logger.
func (n *Node) Logger() *logging.Logger { return n.logger }

// Metrics returns this node's metrics recorder, or nil if none was
// configured. Layers built on top of Node (e.g. hashnode) use it to
// report their own domain-specific gauges.
func (n *Node) Metrics() *telemetry.Metrics { return n.metrics }

// BitLength returns L, the configured rs length.
func (n *Node) BitLength() uint { return n.bitLength }

// SetPostLinearise installs a hook run, on the loop goroutine, at the
// end of every Linearise call (whether or not it actually changed N).
// It exists so a layer built on top of Node (hashnode's predecessor and
// successor tracking) can react to neighborhood changes within the same
// atomic step that produced them, rather than racing a second submit
// against the next incoming RPC. Must be called before Start.
func (n *Node) SetPostLinearise(fn func()) { n.postLinearise = fn }

// RunOnLoop runs fn on this node's event loop goroutine and blocks
// until it completes, exactly as Node's own methods do. It lets a layer
// built on top of Node (hashnode's local table) share the same
// lock-free, single-goroutine discipline instead of introducing its
// own mutex.
func (n *Node) RunOnLoop(fn func()) { n.loop.submit(fn) }

// NeighborsSnapshot returns the current N without sorting, for callers
// on the loop goroutine that want to avoid RunOnLoop re-entrancy
// (RunOnLoop must not be called from within a function already running
// on the loop).
func (n *Node) NeighborsSnapshot() []noderef.NodeRef { return n.neighborSlice() }

// Ranges returns a copy of range(i, self, N) for every level, for
// diagnostics and the --visualize snapshot logger (spec.md §6).
func (n *Node) Ranges() [][]noderef.NodeRef {
	var out [][]noderef.NodeRef
	n.loop.submit(func() {
		out = make([][]noderef.NodeRef, len(n.ranges))
		for i, r := range n.ranges {
			out[i] = append([]noderef.NodeRef(nil), r...)
		}
	})
	return out
}

// RegisterHandlers installs this node's getRs and linearise handlers on
// srv, which must be the rpcsubstrate.Server this node listens on.
func (n *Node) RegisterHandlers(srv *rpcsubstrate.Server) {
	srv.Register(rpcsubstrate.MethodGetRs, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		return rpcsubstrate.GetRsResult{RS: n.self.RS.Bytes(), Len: n.self.RS.Len()}, nil
	})
	srv.Register(rpcsubstrate.MethodLinearise, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args rpcsubstrate.LineariseArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		rs := identity.FromBytes(args.RS, args.Len)
		u := noderef.Of(args.Host, args.Port, rs)
		n.Linearise(u)
		return rpcsubstrate.LineariseResult{}, nil
	})
}

// Start launches the node's event loop goroutine and schedules its
// first maintenance tick.
func (n *Node) Start() {
	go n.loop.run()
	n.scheduleTick()
}

// Stop halts the node's tick and event loop. It does not close the
// underlying connection pool, which may be shared with other nodes.
func (n *Node) Stop() {
	n.mu.Lock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	n.workers.StopWait()
	n.loop.stop()
}

// Tick runs one maintenance pass (the same work the internal timer would
// have submitted) synchronously and returns once it has finished. It
// lets tests drive convergence scenarios by an explicit tick count
// instead of waiting on TickInterval-paced wall-clock timers, the way
// production Start does.
func (n *Node) Tick() { n.loop.submit(n.timeout) }

// scheduleTick arms a one-shot timer for the next tick. The timer's own
// callback schedules the *next* one only after the current tick's work
// has fully finished, so a slow tick can never overlap with the next
// one the way a free-running time.Ticker would allow.
func (n *Node) scheduleTick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.timer = time.AfterFunc(n.tickInterval, func() {
		n.loop.submit(n.timeout)
		n.scheduleTick()
	})
}

// Neighbors returns a snapshot of the node's current outgoing
// neighborhood N, for diagnostics and tests.
func (n *Node) Neighbors() []noderef.NodeRef {
	var out []noderef.NodeRef
	n.loop.submit(func() {
		for _, v := range n.neighbors {
			out = append(out, v)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// updateRanges recomputes range(i, self, N) for every level and the
// union nodesInRanges (spec.md §4.1). Must run on the loop goroutine.
func (n *Node) updateRanges() {
	all := n.neighborSlice()
	inRanges := make(map[uint64]noderef.NodeRef)
	for i := uint(0); i < n.bitLength-1; i++ {
		r := prefix.Range(i, n.self, all)
		n.ranges[i] = r
		for _, w := range r {
			inRanges[w.ID] = w
		}
	}
	n.inRanges = inRanges
	if n.metrics != nil {
		n.metrics.NeighborhoodSize.Set(float64(len(n.neighbors)))
	}
}

func (n *Node) neighborSlice() []noderef.NodeRef {
	out := make([]noderef.NodeRef, 0, len(n.neighbors))
	for _, v := range n.neighbors {
		out = append(out, v)
	}
	return out
}

// Linearise implements the linearise RPC handler (spec.md §4.3): u is
// admitted into N if it is new, the ranges are recomputed, and any
// neighbor that fell out of every range is delegated to whichever
// remaining neighbor shares the longest rs prefix with it.
func (n *Node) Linearise(u noderef.NodeRef) {
	n.loop.submit(func() {
		if n.postLinearise != nil {
			defer n.postLinearise()
		}

		if u.ID == n.self.ID {
			return
		}
		if _, ok := n.neighbors[u.ID]; ok {
			return
		}
		n.neighbors[u.ID] = u
		n.updateRanges()
		if n.metrics != nil {
			n.metrics.LineariseTotal.Inc()
		}

		if len(n.inRanges) == 0 {
			// No nodes are in range yet; keep the current neighborhood
			// rather than discard it and risk losing connectedness.
			return
		}

		undesirable := make([]noderef.NodeRef, 0)
		for id, w := range n.neighbors {
			if _, ok := n.inRanges[id]; !ok {
				undesirable = append(undesirable, w)
			}
		}
		n.neighbors = make(map[uint64]noderef.NodeRef, len(n.inRanges))
		for id, w := range n.inRanges {
			n.neighbors[id] = w
		}

		for _, w := range undesirable {
			n.delegate(w)
		}
	})
}

// delegate hands an undesirable neighbor w off to whichever current
// neighbor shares the longest rs prefix with it, breaking ties by id
// distance and then by the smaller id, then asynchronously asks that neighbor to linearise w. Must
// run on the loop goroutine; the RPC itself is fire-and-forget on the
// worker pool since a delegation failing does not threaten correctness,
// only convergence speed.
func (n *Node) delegate(w noderef.NodeRef) {
	candidates := prefix.LongestCommonPrefixNodes(w, n.neighborSlice())
	if len(candidates) == 0 {
		return
	}
	best := candidates[0]
	bestDist := idDistance(best.ID, w.ID)
	for _, c := range candidates[1:] {
		if d := idDistance(c.ID, w.ID); d < bestDist || (d == bestDist && c.ID < best.ID) {
			best, bestDist = c, d
		}
	}
	if n.metrics != nil {
		n.metrics.DelegationTotal.Inc()
	}
	n.lineariseRemote(best, w)
}

func idDistance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// timeout is the periodic maintenance tick (spec.md §4.1, "Build-Skip").
// It first re-introduces self to every current neighbor, then for each
// level linearizes the left and right chains of that level's range and
// bridges the two chains together. Must run on the loop goroutine.
func (n *Node) timeout() {
	for _, v := range n.neighborSlice() {
		n.lineariseRemote(v, n.self)
	}

	for i := uint(0); i < n.bitLength-1; i++ {
		level := n.ranges[i]
		var left, right []noderef.NodeRef
		for _, x := range level {
			switch {
			case x.ID < n.self.ID:
				left = append(left, x)
			case x.ID > n.self.ID:
				right = append(right, x)
			}
		}
		sort.Slice(left, func(a, b int) bool { return left[a].ID < left[b].ID })
		sort.Slice(right, func(a, b int) bool { return right[a].ID > right[b].ID })

		n.linearizeChain(left)
		n.linearizeChain(right)

		n.bridge(left, right)
		n.bridge(right, left)
	}
}

// linearizeChain introduces each member of chain to the next one
// (v1->v2->...->vn) and finally introduces the chain's closest
// member to self, so the chain becomes a path ending at self.
func (n *Node) linearizeChain(chain []noderef.NodeRef) {
	for i := 0; i < len(chain)-1; i++ {
		n.lineariseRemote(chain[i], chain[i+1])
	}
	if len(chain) > 0 {
		n.lineariseRemote(chain[len(chain)-1], n.self)
	}
}

// bridge introduces every member of side1 to the closest (last) member
// of side2, connecting the two chains on either side of self.
func (n *Node) bridge(side1, side2 []noderef.NodeRef) {
	if len(side2) == 0 {
		return
	}
	closest := side2[len(side2)-1]
	for _, v := range side1 {
		n.lineariseRemote(v, closest)
	}
}

// lineariseRemote asks target.linearise(introduce) over the RPC
// substrate, fire-and-forget on the worker pool: a failed introduction
// degrades convergence speed, not correctness, so it is logged and
// swallowed rather than surfaced (spec.md §7).
func (n *Node) lineariseRemote(target, introduce noderef.NodeRef) {
	proxy := rpcsubstrate.NewProxy(n.pool, target.Addr())
	args := rpcsubstrate.LineariseArgs{
		Host: introduce.Host,
		Port: introduce.Port,
		RS:   introduce.RS.Bytes(),
		Len:  introduce.RS.Len(),
	}
	n.workers.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.tickInterval)
		defer cancel()
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := proxy.Linearise(ctx, args); err != nil {
			n.logger.Debug("linearise delivery failed", "target", target.String(), "error", err.Error())
		}
	})
}
