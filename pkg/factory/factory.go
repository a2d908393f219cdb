// Package factory builds running clusters of hashnode.Node instances,
// wiring each one to a listening RPC substrate server and introducing
// it to the rest of the overlay, the way vaud's SkipNodeFactory
// introduces each newly created node to the previously created one (or
// to a remote entry node, for the first node in the process).
package factory

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/skipplusnet/skipplus/pkg/hashnode"
	"github.com/skipplusnet/skipplus/pkg/identity"
	"github.com/skipplusnet/skipplus/pkg/logging"
	"github.com/skipplusnet/skipplus/pkg/noderef"
	"github.com/skipplusnet/skipplus/pkg/rpcsubstrate"
	"github.com/skipplusnet/skipplus/pkg/skipnode"
	"github.com/skipplusnet/skipplus/pkg/telemetry"
)

// Config parameterizes a cluster of nodes run in this process.
type Config struct {
	Host         string
	BasePort     int
	Count        int
	BitLength        uint
	TickInterval     time.Duration
	WorkerCount      int
	OutboundRPSLimit float64
	Logger           *logging.Logger

	// Connect, if non-empty, is the host:port of an existing node to
	// introduce the first node created in this process to, so this
	// process's nodes join an overlay rather than starting a new one.
	Connect string

	// Metrics, if true, gives every node in the cluster its own
	// namespaced Prometheus registry, reachable through Cluster.Metrics.
	Metrics bool
}

// Cluster is a set of nodes running in this process, each with its own
// listening socket and all sharing one connection pool, plus the
// http.Servers needed to shut them down cleanly.
type Cluster struct {
	Nodes   []*hashnode.Node
	Metrics []*telemetry.Metrics
	servers []*http.Server
}

// CreateLocalCluster starts cfg.Count nodes listening on consecutive
// ports starting at cfg.BasePort, each introduced to the previously
// created node (mirroring SkipNodeFactory's chaining), and optionally
// bootstraps the first of them against an existing remote node at
// cfg.Connect.
func CreateLocalCluster(ctx context.Context, cfg Config) (*Cluster, error) {
	if cfg.Count < 1 {
		return nil, fmt.Errorf("factory: cluster count must be at least 1, got %d", cfg.Count)
	}
	if cfg.Connect != "" {
		if _, portStr, err := net.SplitHostPort(cfg.Connect); err != nil {
			return nil, fmt.Errorf("factory: parse entry address %q: %w", cfg.Connect, err)
		} else if _, err := strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("factory: parse entry port %q: %w", portStr, err)
		}
	}

	// One pool is shared by every node this process runs: per spec.md §5
	// the connection cache is per-process with at most one live
	// transport per (host, port) peer, so a multi-node cluster must not
	// open a second connection to an external peer just because a
	// second local node happened to call it first.
	pool := rpcsubstrate.NewPool()

	c := &Cluster{}
	for i := 0; i < cfg.Count; i++ {
		port := cfg.BasePort + i
		node, m, srv, err := newListeningNode(cfg, pool, port)
		if err != nil {
			c.Shutdown(ctx)
			return nil, err
		}

		node.Start()
		c.Nodes = append(c.Nodes, node)
		if m != nil {
			c.Metrics = append(c.Metrics, m)
		}
		c.servers = append(c.servers, srv)

		switch {
		case i > 0:
			node.Linearise(c.Nodes[i-1].Self())
		case cfg.Connect != "":
			if err := bootstrap(ctx, node, cfg.Connect); err != nil {
				node.Logger().Warn("failed to bootstrap against entry node; running unconnected", "entry", cfg.Connect, "error", err.Error())
			}
		}
	}
	return c, nil
}

// newListeningNode constructs one node, binds its listening socket, and
// registers its RPC handlers against it. pool is shared across every
// node in the cluster (see CreateLocalCluster).
func newListeningNode(cfg Config, pool *rpcsubstrate.Pool, port int) (*hashnode.Node, *telemetry.Metrics, *http.Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("factory: listen on %s: %w", addr, err)
	}

	var m *telemetry.Metrics
	if cfg.Metrics {
		m = telemetry.New(fmt.Sprintf("skipplus_node_%d", port))
	}

	node, err := hashnode.New(skipnode.Config{
		Host:             cfg.Host,
		Port:             port,
		BitLength:        cfg.BitLength,
		TickInterval:     cfg.TickInterval,
		WorkerCount:      cfg.WorkerCount,
		OutboundRPSLimit: cfg.OutboundRPSLimit,
		Pool:             pool,
		Logger:           cfg.Logger,
		Metrics:          m,
	})
	if err != nil {
		ln.Close()
		return nil, nil, nil, err
	}

	srv := rpcsubstrate.NewServer()
	node.RegisterHandlers(srv)

	httpSrv := &http.Server{Handler: srv}
	go func() {
		_ = httpSrv.Serve(ln)
	}()

	return node, m, httpSrv, nil
}

// bootstrap fetches the entry node's rs over the substrate and
// introduces node to it, the way SkipNodeFactory._gotEntryNodeRs does
// before calling introduce on the first locally created node.
func bootstrap(ctx context.Context, node *hashnode.Node, entryAddr string) error {
	proxy := rpcsubstrate.NewProxy(node.Pool(), entryAddr)
	res, err := proxy.GetRs(ctx)
	if err != nil {
		return fmt.Errorf("factory: getRs from entry node %s: %w", entryAddr, err)
	}

	host, portStr, err := net.SplitHostPort(entryAddr)
	if err != nil {
		return fmt.Errorf("factory: parse entry address %q: %w", entryAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("factory: parse entry port %q: %w", portStr, err)
	}

	rs := identity.FromBytes(res.RS, res.Len)
	entry := noderef.Of(host, port, rs)
	node.Linearise(entry)
	return nil
}

// LogSnapshots periodically logs each node's neighborhood, per-level
// ranges, and predecessor/successor at INFO, until ctx is canceled. This
// is the entire extent of this system's visualization contract (spec.md
// §6): the 2-D graph visualizer itself is an external collaborator that
// consumes these structured log lines, not code in this repo.
func (c *Cluster) LogSnapshots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range c.Nodes {
				pred, succ := n.PredSucc()
				n.Logger().Info("node snapshot",
					"self", n.Self().String(),
					"neighbors", neighborStrings(n.Neighbors()),
					"ranges", rangeStrings(n.Ranges()),
					"pred", pred.String(),
					"succ", succ.String(),
				)
			}
		}
	}
}

func neighborStrings(ns []noderef.NodeRef) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.String()
	}
	return out
}

func rangeStrings(ranges [][]noderef.NodeRef) [][]string {
	out := make([][]string, len(ranges))
	for i, r := range ranges {
		out[i] = neighborStrings(r)
	}
	return out
}

// Shutdown hands each node's table off to its predecessor, stops its
// event loop, and closes its listening socket.
func (c *Cluster) Shutdown(ctx context.Context) {
	for _, n := range c.Nodes {
		if err := n.Shutdown(ctx); err != nil {
			n.Logger().Warn("graceful table hand-off failed", "error", err.Error())
		}
		n.Stop()
	}
	for _, s := range c.servers {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = s.Shutdown(shutdownCtx)
		cancel()
	}
}
