// Package capability advertises what this assistant node can do and tracks
// the other nodes seen on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Advertisement is the capability payload of a node: the selector strategy
// it runs and the actions it can perform.
type Advertisement struct {
	Strategy string   `json:"strategy"`
	Actions  []string `json:"actions"`
}

type NodeInfo struct {
	ID       string        `json:"id"`
	Role     string        `json:"role"`
	Offer    Advertisement `json:"offer"`
	LastSeen time.Time     `json:"last_seen"`
	Healthy  bool          `json:"healthy"`
}

type announceMessage struct {
	NodeID    string        `json:"node_id"`
	Role      string        `json:"role"`
	Offer     Advertisement `json:"offer"`
	Timestamp time.Time     `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu    sync.RWMutex
	offer Advertisement
	nodes map[string]*NodeInfo
}

// NewRegistry subscribes to peer announcements, announces offer and starts
// the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, offer Advertisement, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    time.Now,
		cancel: cancel,
		offer:  offer,
		nodes:  make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r.wg.Add(2)
	go r.runHeartbeat(ctx, interval)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

// Update replaces the local advertisement and announces it again. Called
// after every catalog change.
func (r *Registry) Update(offer Advertisement) error {
	r.mu.Lock()
	r.offer = offer
	r.mu.Unlock()
	return r.announce()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	r.mu.RLock()
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Offer:     r.offer,
		Timestamp: r.now().UTC(),
	}
	r.mu.RUnlock()
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, &msg.Offer, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now().UTC()}
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}
	r.updateNode(a.NodeID, a.Role, &a.Offer, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, offer *Advertisement, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if offer != nil {
		node.Offer = Advertisement{Strategy: offer.Strategy, Actions: append([]string(nil), offer.Actions...)}
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own announcement is fresh.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot sorted by id, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithAction keeps nodes that advertise the named action.
func WithAction(name string) func(NodeInfo) bool {
	return func(n NodeInfo) bool {
		for _, a := range n.Offer.Actions {
			if a == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/minhharry/voiceassistant/capability")
	nodes, err := meter.Int64ObservableGauge("assistant.nodes", metric.WithDescription("Number of known assistant nodes"))
	if err != nil {
		return err
	}
	actions, err := meter.Int64ObservableGauge("assistant.actions", metric.WithDescription("Actions advertised by this node"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		obs.ObserveInt64(nodes, int64(len(r.nodes)))
		obs.ObserveInt64(actions, int64(len(r.offer.Actions)))
		return nil
	}, nodes, actions)
	return err
}
