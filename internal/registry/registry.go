// Package registry implements the Agent Registry (spec.md §4.1, C1): the
// master's map of connected agents, their connectivity, and the means to
// route an outbound message to them in send order. It is shared read-mostly
// across the process — the Node-Action Coordinator (internal/coordinator)
// uses it only via Send and Subscribe/Unsubscribe, and the agent-hub facade
// via Register/Heartbeat; neither reaches into AgentState directly.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
)

// connectedAgent is the registry's internal record: the public AgentState
// plus the transport handle and circuit breaker, neither of which are
// exposed to callers (spec.md §3: "AgentState... transport handle" is the
// one field callers never need directly — Send hides it).
type connectedAgent struct {
	state     domain.AgentState
	transport Transport
	breaker   *gobreaker.CircuitBreaker
}

// Registry is the Agent Registry. The zero value is not usable — construct
// with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*connectedAgent
	logger *zap.Logger
	broker *connectivityBroker

	offlineThreshold time.Duration
}

// Config holds Registry construction parameters.
type Config struct {
	OfflineThreshold time.Duration
	Logger           *zap.Logger
}

// New creates an empty Registry. Construct a Sweeper separately (NewSweeper)
// to begin the background offline-detection loop.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.OfflineThreshold
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &Registry{
		agents:           make(map[string]*connectedAgent),
		logger:           logger.Named("registry"),
		broker:           newConnectivityBroker(),
		offlineThreshold: threshold,
	}
}

// Register is idempotent: re-registering an already-known node updates its
// metadata and transport handle and marks it Online. Returns a session
// handle (the node name itself — callers address agents by name, not by an
// opaque session token, per spec.md §3's "weak reference" ownership model).
func (r *Registry) Register(nodeName string, meta domain.AgentMeta, transport Transport) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, had := r.agents[nodeName]
	if had {
		r.logger.Warn("replacing existing agent connection",
			zap.String("node", nodeName),
		)
		existing.state.Meta = meta
		existing.state.LastHeartbeat = now
		existing.transport = transport
		r.transitionLocked(existing, domain.Online, now)
		return nodeName
	}

	agent := &connectedAgent{
		state: domain.AgentState{
			NodeName:      nodeName,
			Connectivity:  domain.Online,
			LastHeartbeat: now,
			Meta:          meta,
		},
		transport: transport,
		breaker:   newNodeBreaker(nodeName),
	}
	r.agents[nodeName] = agent

	r.logger.Info("agent registered",
		zap.String("node", nodeName),
		zap.String("version", meta.Version),
		zap.Int("total_connected", len(r.agents)),
	)

	return nodeName
}

// Heartbeat refreshes last-seen and the resource snapshot for nodeName.
// Returns ErrUnknownNode if the node was never registered.
func (r *Registry) Heartbeat(nodeName string, snapshot domain.ResourceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[nodeName]
	if !ok {
		return ErrUnknownNode
	}

	now := time.Now().UTC()
	agent.state.LastHeartbeat = now
	agent.state.LastSnapshot = snapshot
	r.transitionLocked(agent, domain.Online, now)
	return nil
}

// Lookup returns a copy of the AgentState for nodeName.
func (r *Registry) Lookup(nodeName string) (domain.AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[nodeName]
	if !ok {
		return domain.AgentState{}, false
	}
	return agent.state, true
}

// OnlineNodes returns the names of every currently Online agent — used by
// the Stage Context when RunNodeAction is called without an explicit node
// list (spec.md §4.5).
func (r *Registry) OnlineNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for name, agent := range r.agents {
		if agent.state.Connectivity == domain.Online {
			out = append(out, name)
		}
	}
	return out
}

// Send delivers msg to nodeName's transport, wrapped in a per-node circuit
// breaker so a node with a string of recent failures fails fast instead of
// paying a full transport timeout on every subsequent call. A transport
// error — whether from the breaker tripping open or the underlying Send
// call itself — transitions the node to Unreachable, per spec.md §4.1.
//
// Ordering guarantee (spec.md §5): Send does not hold the registry lock
// while the network call is in flight, but per-node delivery order is
// preserved because callers (the coordinator) serialize their own Send
// calls for a given node through the per-action mailbox.
func (r *Registry) Send(ctx context.Context, nodeName string, msg domain.OutboundMessage) error {
	r.mu.RLock()
	agent, ok := r.agents[nodeName]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	_, err := agent.breaker.Execute(func() (interface{}, error) {
		return nil, agent.transport.Send(ctx, msg)
	})
	if err != nil {
		r.mu.Lock()
		r.transitionLocked(agent, domain.Unreachable, time.Now().UTC())
		r.mu.Unlock()
		return fmt.Errorf("registry: send to %s: %w", nodeName, err)
	}
	return nil
}

// Subscribe returns a channel of ConnectivityEvents for every agent whose
// status changes, used by the coordinator's node-health observer
// (spec.md §4.4.5). Callers must call Unsubscribe when done to release the
// channel.
func (r *Registry) Subscribe() chan domain.ConnectivityEvent {
	return r.broker.subscribe()
}

// Unsubscribe releases a channel obtained from Subscribe.
func (r *Registry) Unsubscribe(ch chan domain.ConnectivityEvent) {
	r.broker.unsubscribe(ch)
}

// transitionLocked updates an agent's connectivity and publishes an event if
// it actually changed. Caller must hold r.mu.
func (r *Registry) transitionLocked(agent *connectedAgent, next domain.Connectivity, at time.Time) {
	prev := agent.state.Connectivity
	if prev == next {
		return
	}
	agent.state.Connectivity = next
	r.logger.Info("agent connectivity changed",
		zap.String("node", agent.state.NodeName),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	r.broker.publish(domain.ConnectivityEvent{
		NodeName: agent.state.NodeName,
		Previous: prev,
		Current:  next,
		At:       at,
	})
}

// sweepOnce scans every agent and transitions any whose last heartbeat has
// aged past the offline threshold to Offline (spec.md §4.1). Called
// periodically by a Sweeper.
func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, agent := range r.agents {
		if agent.state.Connectivity == domain.Offline {
			continue
		}
		if now.Sub(agent.state.LastHeartbeat) > r.offlineThreshold {
			r.transitionLocked(agent, domain.Offline, now)
		}
	}
}

func newNodeBreaker(nodeName string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-send:" + nodeName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}
