package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/skipplusnet/skipplus/pkg/factory"
)

func freePort(t *testing.T) int {
	t.Helper()
	// Ports above 20000 to reduce collisions with other test runs on
	// the same machine; this is a test convenience, not a production
	// port allocation strategy.
	return 21000 + int(time.Now().UnixNano()%4000)
}

func TestSingleNodeClusterHasNoNeighbors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cluster, err := factory.CreateLocalCluster(ctx, factory.Config{
		Host:         "127.0.0.1",
		BasePort:     freePort(t),
		Count:        1,
		TickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateLocalCluster: %v", err)
	}
	defer cluster.Shutdown(ctx)

	if len(cluster.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1", len(cluster.Nodes))
	}
	if n := cluster.Nodes[0].Neighbors(); len(n) != 0 {
		t.Errorf("a lone node should have no neighbors, got %v", n)
	}
}

func TestLocalClusterChainsIntroductions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cluster, err := factory.CreateLocalCluster(ctx, factory.Config{
		Host:         "127.0.0.1",
		BasePort:     freePort(t),
		Count:        4,
		TickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateLocalCluster: %v", err)
	}
	defer cluster.Shutdown(ctx)

	if len(cluster.Nodes) != 4 {
		t.Fatalf("len(Nodes) = %d, want 4", len(cluster.Nodes))
	}
	// Every node but the first was introduced to its predecessor, so it
	// should have at least that one neighbor.
	for i := 1; i < len(cluster.Nodes); i++ {
		if n := cluster.Nodes[i].Neighbors(); len(n) == 0 {
			t.Errorf("node %d has no neighbors after chained introduction", i)
		}
	}
}

func TestClusterExposesPerNodeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cluster, err := factory.CreateLocalCluster(ctx, factory.Config{
		Host:         "127.0.0.1",
		BasePort:     freePort(t),
		Count:        2,
		TickInterval: time.Hour,
		Metrics:      true,
	})
	if err != nil {
		t.Fatalf("CreateLocalCluster: %v", err)
	}
	defer cluster.Shutdown(ctx)

	if len(cluster.Metrics) != 2 {
		t.Fatalf("len(Metrics) = %d, want 2", len(cluster.Metrics))
	}
}

func TestDHTOperationsAcrossLocalCluster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cluster, err := factory.CreateLocalCluster(ctx, factory.Config{
		Host:         "127.0.0.1",
		BasePort:     freePort(t),
		Count:        3,
		TickInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("CreateLocalCluster: %v", err)
	}
	defer cluster.Shutdown(ctx)

	// Each node is introduced only locally to its predecessor, so earlier
	// nodes learn about later ones through maintenance ticks; drive a few
	// rounds before relying on every node routing to the same owner.
	for r := 0; r < 3; r++ {
		for _, n := range cluster.Nodes {
			n.Tick()
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := cluster.Nodes[0].Insert(ctx, "hello", []byte("world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i, n := range cluster.Nodes {
		v, found, err := n.Lookup(ctx, "hello")
		if err != nil {
			t.Fatalf("Lookup from node %d: %v", i, err)
		}
		if !found || string(v) != "world" {
			t.Errorf("Lookup from node %d = (%q, %v), want (\"world\", true)", i, v, found)
		}
	}
}
