package simulator_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/master/internal/agenthub"
	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/logrouter"
	"github.com/sitekeeper/master/internal/masteraction"
	"github.com/sitekeeper/master/internal/metrics"
	"github.com/sitekeeper/master/internal/registry"
	"github.com/sitekeeper/master/internal/simulator"
	"github.com/sitekeeper/master/internal/workflow"
	"github.com/sitekeeper/master/internal/workflows"
)

// harness wires the core components together the way
// cmd/sitekeeper-master/main.go does (without main's registry sweeper and
// metrics endpoint), so this test exercises the real collaboration graph end
// to end with only the network layer faked out.
type harness struct {
	reg *registry.Registry
	rt  *masteraction.Runtime
	hub *agenthub.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New(registry.Config{OfflineThreshold: time.Second})

	jrnl := journal.NewMemoryJournal()
	m := metrics.New(prometheus.NewRegistry())

	router := logrouter.New(logrouter.Config{
		Journal:      jrnl,
		Sender:       reg,
		FlushTimeout: 500 * time.Millisecond,
	})

	coord := coordinator.New(coordinator.Config{
		Registry:          reg,
		Connectivity:      reg,
		Router:            router,
		Journal:           jrnl,
		Metrics:           m,
		ReadinessTimeout:  2 * time.Second,
		CancellationGrace: 500 * time.Millisecond,
	})

	wfRegistry := workflow.NewRegistry()
	wfRegistry.Register(workflows.VerifyConfigurationOperationType, workflows.NewVerifyConfiguration)
	wfRegistry.Register(workflows.TestOrchestrationOperationType, workflows.NewTestOrchestration)

	rt := masteraction.New(masteraction.Config{
		Resolver:    wfRegistry,
		Coordinator: coord,
		OnlineNodes: reg,
		Journal:     jrnl,
	})

	router.BindActiveActionSource(rt, rt)

	hub := agenthub.New(agenthub.Config{Registry: reg, Coord: coord, LogRouter: router})

	return &harness{reg: reg, rt: rt, hub: hub}
}

func waitTerminal(t *testing.T, action *domain.MasterAction) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if action.Status.IsTerminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action never reached terminal status, stuck at %s", action.Status)
}

func TestEndToEnd_VerifyConfigurationHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n1 := simulator.New(simulator.Config{NodeName: "n1", Version: "1.0", OS: "linux", HeartbeatInterval: 50 * time.Millisecond}, h.hub)
	n2 := simulator.New(simulator.Config{NodeName: "n2", Version: "1.0", OS: "linux", HeartbeatInterval: 50 * time.Millisecond}, h.hub)
	go n1.Run(ctx)
	go n2.Run(ctx)

	// Allow both agents to register before submitting.
	require.Eventually(t, func() bool { return len(h.reg.OnlineNodes()) == 2 }, time.Second, 5*time.Millisecond)

	action, err := h.rt.Submit(context.Background(), workflows.VerifyConfigurationOperationType, nil)
	require.NoError(t, err)

	waitTerminal(t, action)
	assert.Equal(t, domain.StatusSucceeded, action.Status)
	assert.Equal(t, 100, action.ProgressPercent)
}

func TestEndToEnd_ReadinessTimeoutFailsAction(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n1 := simulator.New(simulator.Config{NodeName: "n1", Version: "1.0", OS: "linux", HeartbeatInterval: 50 * time.Millisecond}, h.hub)
	// Withhold readiness indefinitely so the coordinator's 2-second readiness
	// timeout fires before this node ever reports ready.
	n1.SetDefaultScript(simulator.TaskScript{ReadyDelay: time.Hour, Ready: true})
	go n1.Run(ctx)
	require.Eventually(t, func() bool { return len(h.reg.OnlineNodes()) == 1 }, time.Second, 5*time.Millisecond)

	action, err := h.rt.Submit(context.Background(), workflows.VerifyConfigurationOperationType, nil)
	require.NoError(t, err)

	waitTerminal(t, action)
	assert.Equal(t, domain.StatusFailed, action.Status)
}

func TestEndToEnd_CancellationResolvesCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n1 := simulator.New(simulator.Config{NodeName: "n1", Version: "1.0", OS: "linux", HeartbeatInterval: 50 * time.Millisecond}, h.hub)
	go n1.Run(ctx)
	require.Eventually(t, func() bool { return len(h.reg.OnlineNodes()) == 1 }, time.Second, 5*time.Millisecond)

	action, err := h.rt.Submit(context.Background(), workflows.TestOrchestrationOperationType, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	h.rt.Cancel(action.ID)

	waitTerminal(t, action)
	assert.Equal(t, domain.StatusCancelled, action.Status)
}
