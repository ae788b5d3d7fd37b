package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/minhharry/voiceassistant/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T, srv *natsserver.EmbeddedServer) *bus.Client {
	t.Helper()
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c := bus.NewFromConn(conn, newLogger())
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryAnnounceAndUpdate(t *testing.T) {
	srv, err := natsserver.StartLocal(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	cfgA := config.NodeConfig{ID: "node-a", Role: "assistant", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	a, err := NewRegistry(ctx, cfgA, connect(t, srv), Advertisement{Strategy: "keyword", Actions: []string{"turn_on_light"}}, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	if !a.Healthy() {
		t.Fatal("expected node to be healthy after announcing")
	}

	cfgB := config.NodeConfig{ID: "node-b", Role: "assistant", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	b, err := NewRegistry(ctx, cfgB, connect(t, srv), Advertisement{Strategy: "voting", Actions: []string{"open_door"}}, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	waitFor(t, func() bool { return len(a.Nodes(WithAction("open_door"))) == 1 })

	if err := a.Update(Advertisement{Strategy: "keyword", Actions: []string{"turn_on_fan"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool {
		nodes := b.Nodes(WithAction("turn_on_fan"))
		return len(nodes) == 1 && nodes[0].ID == "node-a"
	})
	if n := b.Nodes(WithAction("turn_on_light")); len(n) != 0 {
		t.Fatalf("stale advertisement kept: %+v", n)
	}
}

func TestHealthExpires(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Registry{
		cfg:   config.NodeConfig{ID: "node-a", HeartbeatTimeout: 1000},
		now:   func() time.Time { return base },
		nodes: make(map[string]*NodeInfo),
	}
	r.updateNode("node-a", "assistant", &Advertisement{Strategy: "keyword"}, base)
	r.updateNode("node-b", "assistant", nil, base.Add(-5*time.Second))
	r.evaluateHealth()
	if !r.Healthy() {
		t.Fatal("expected fresh node to stay healthy")
	}
	nodes := r.Nodes(nil)
	if len(nodes) != 2 || nodes[1].ID != "node-b" || nodes[1].Healthy {
		t.Fatalf("expected stale peer marked unhealthy, got %+v", nodes)
	}

	r.now = func() time.Time { return base.Add(2 * time.Second) }
	r.evaluateHealth()
	if r.Healthy() {
		t.Fatal("expected node to be unhealthy after heartbeat timeout")
	}
}
