package rpcsubstrate_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skipplusnet/skipplus/pkg/rpcsubstrate"
)

func startServer(t *testing.T, srv *rpcsubstrate.Server) string {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestGetRsRoundTrip(t *testing.T) {
	srv := rpcsubstrate.NewServer()
	srv.Register(rpcsubstrate.MethodGetRs, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		return rpcsubstrate.GetRsResult{RS: []byte{0xAB}, Len: 8}, nil
	})
	addr := startServer(t, srv)

	pool := rpcsubstrate.NewPool()
	proxy := rpcsubstrate.NewProxy(pool, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := proxy.GetRs(ctx)
	if err != nil {
		t.Fatalf("GetRs: %v", err)
	}
	if res.Len != 8 || len(res.RS) != 1 || res.RS[0] != 0xAB {
		t.Errorf("GetRs result = %+v, want {RS:[0xAB] Len:8}", res)
	}
}

func TestConcurrentCallsShareOneConnection(t *testing.T) {
	srv := rpcsubstrate.NewServer()
	srv.Register(rpcsubstrate.MethodSearch, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args rpcsubstrate.SearchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return rpcsubstrate.SearchResult{Found: true, Value: []byte(args.Key)}, nil
	})
	addr := startServer(t, srv)

	pool := rpcsubstrate.NewPool()
	proxy := rpcsubstrate.NewProxy(pool, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n := 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := proxy.Search(ctx, rpcsubstrate.SearchArgs{Key: "k", KeyU: float64(i) / 100, Op: rpcsubstrate.SearchOpLookup})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Search[%d]: %v", i, err)
		}
	}
}

func TestUnknownMethodIsRemoteError(t *testing.T) {
	srv := rpcsubstrate.NewServer()
	addr := startServer(t, srv)

	pool := rpcsubstrate.NewPool()
	proxy := rpcsubstrate.NewProxy(pool, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := proxy.GetRs(ctx)
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
	var rpcErr *rpcsubstrate.Error
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("error %v is not a *rpcsubstrate.Error", err)
	}
	if rpcErr.Kind != rpcsubstrate.KindRemoteError {
		t.Errorf("Kind = %v, want RemoteError", rpcErr.Kind)
	}
}

func TestUnreachablePeerIsConnectError(t *testing.T) {
	pool := rpcsubstrate.NewPool()
	proxy := rpcsubstrate.NewProxy(pool, "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := proxy.GetRs(ctx)
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	var rpcErr *rpcsubstrate.Error
	if !asRPCError(err, &rpcErr) {
		t.Fatalf("error %v is not a *rpcsubstrate.Error", err)
	}
	if rpcErr.Kind != rpcsubstrate.KindConnectError {
		t.Errorf("Kind = %v, want ConnectError", rpcErr.Kind)
	}
}

func asRPCError(err error, target **rpcsubstrate.Error) bool {
	e, ok := err.(*rpcsubstrate.Error)
	if ok {
		*target = e
	}
	return ok
}
