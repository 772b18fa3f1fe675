// Package capability tracks which speech nodes are present on the bus and
// which providers each one runs.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-s2s/internal/bus"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/protocol"
)

// NodeInfo is the registry's view of one node. Healthy flips to false once
// a peer misses its heartbeat deadline; the local node never expires.
type NodeInfo struct {
	ID             string                `json:"id"`
	Role           string                `json:"role"`
	Capabilities   []protocol.Capability `json:"capabilities"`
	ActiveSessions int                   `json:"active_sessions"`
	LastSeen       time.Time             `json:"last_seen"`
	Healthy        bool                  `json:"healthy"`
}

// Registry keeps the live node table fed by announce and heartbeat
// subjects and publishes this node's own presence.
type Registry struct {
	cfg      config.NodeConfig
	local    []protocol.Capability
	sessions func() int
	log      *slog.Logger
	bus      *bus.Client
	meter    metric.Meter

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	done   chan struct{}
	subs   []*nats.Subscription
}

// NewRegistry announces this node with the given capabilities and starts
// heartbeating. sessions reports the live conversation count carried on
// each heartbeat; it may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []protocol.Capability, sessions func() int, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:      cfg,
		local:    local,
		sessions: sessions,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		meter:    otel.Meter("github.com/loqalabs/loqa-s2s/capability"),
		nodes:    make(map[string]*NodeInfo),
		done:     make(chan struct{}),
	}
	if err := r.registerGauges(); err != nil {
		r.log.Warn("node gauges not registered", slog.String("error", err.Error()))
	}

	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectNodeAnnounce:           r.onAnnounce,
		protocol.SubjectHeartbeatPrefix + ".*": r.onHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.drain()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("node announce failed", slog.String("error", err.Error()))
	}
	return r, nil
}

// Close stops heartbeating and unsubscribes.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	r.drain()
}

func (r *Registry) drain() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// run publishes heartbeats and sweeps stale peers until ctx ends.
func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	beat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer beat.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := r.heartbeat(); err != nil {
				r.log.Warn("heartbeat publish failed", slog.String("error", err.Error()))
			}
		case now := <-sweep.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, -1, msg.Timestamp)
	return nil
}

func (r *Registry) heartbeat() error {
	msg := protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
	if r.sessions != nil {
		msg.ActiveSessions = r.sessions()
	}
	return r.bus.PublishJSON(protocol.HeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) onAnnounce(msg *nats.Msg) {
	var in protocol.NodeAnnounce
	if !r.decode(msg, &in) || in.NodeID == "" {
		return
	}
	r.updateNode(in.NodeID, in.Role, in.Capabilities, -1, stamp(in.Timestamp))
}

func (r *Registry) onHeartbeat(msg *nats.Msg) {
	var in protocol.NodeHeartbeat
	if !r.decode(msg, &in) || in.NodeID == "" {
		return
	}
	r.updateNode(in.NodeID, "", nil, in.ActiveSessions, stamp(in.Timestamp))
}

func (r *Registry) decode(msg *nats.Msg, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		r.log.Warn("dropping malformed node message",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// updateNode records a sighting. sessions < 0 leaves the count unchanged.
func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.Capability, sessions int, timestamp time.Time) {
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
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if sessions >= 0 {
		node.ActiveSessions = sessions
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

// evaluateHealth marks peers unhealthy once their last sighting is older
// than the heartbeat timeout.
func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy is true once the local announce has round-tripped into the table
// and the bus connection is up.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy && r.bus.Healthy()
}

// Query copies out every node accepted by filter; a nil filter matches all.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func (r *Registry) registerGauges() error {
	nodeGauge, err := r.meter.Int64ObservableGauge("s2s.nodes.healthy", metric.WithDescription("Number of healthy speech nodes"))
	if err != nil {
		return err
	}
	sessionGauge, err := r.meter.Int64ObservableGauge("s2s.nodes.sessions", metric.WithDescription("Active conversations across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, sessions := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(sessionGauge, sessions)
		return nil
	}, nodeGauge, sessionGauge)
	return err
}

// snapshotCounts sums healthy nodes and the sessions they report.
func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, sessions int64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		nodes++
		sessions += int64(node.ActiveSessions)
	}
	return nodes, sessions
}

// FromConfig lists the providers configured for each pipeline stage.
func FromConfig(cfg config.Config) []protocol.Capability {
	caps := []protocol.Capability{
		{Name: "transcode", Provider: cfg.Transcode.Mode},
		{Name: "stt", Provider: cfg.STT.Mode, Attributes: nonEmpty(map[string]string{
			"model":    modelName(cfg.STT.ModelPath),
			"language": cfg.STT.Language,
		})},
		{Name: "llm", Provider: cfg.LLM.Mode, Attributes: nonEmpty(map[string]string{
			"model": cfg.LLM.Model,
		})},
		{Name: "tts", Provider: cfg.TTS.Mode, Attributes: nonEmpty(map[string]string{
			"language":  cfg.TTS.Language,
			"mime_type": cfg.TTS.MIMEType,
		})},
	}
	if cfg.STT.Mode == "mock" {
		delete(caps[1].Attributes, "model")
	}
	return caps
}

// WithCapabilityFilter matches nodes offering the named stage.
func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithProviderFilter(name, provider string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && c.Provider == provider {
				return true
			}
		}
		return false
	}
}

func modelName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

func nonEmpty(attrs map[string]string) map[string]string {
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
