// Package coordinator implements the Node-Action Coordinator (spec.md §4.4,
// C4): the per-node-action state machine that drives a NodeAction through
// readiness, dispatch, execution, and flush, tracking per-node sub-state and
// converging to a single verdict. It is the largest and most stateful
// component in the core.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/logrouter"
	"github.com/sitekeeper/master/internal/metrics"
)

// DefaultReadinessTimeout is used when Config.ReadinessTimeout is zero.
const DefaultReadinessTimeout = 30 * time.Second

// DefaultCancellationGrace is used when Config.CancellationGrace is zero.
const DefaultCancellationGrace = 15 * time.Second

// ProgressReporter is the function-typed seam a Stage installs to receive
// aggregate progress updates from a NodeAction (spec.md §9: "progress
// reporter as a function-typed seam").
type ProgressReporter func(percent int, message string)

// Sender delivers an outbound message to a named node. registry.Registry
// satisfies this.
type Sender interface {
	Send(ctx context.Context, nodeName string, msg domain.OutboundMessage) error
}

// Subscriber exposes connectivity change events for the node-health observer
// (spec.md §4.4.5). registry.Registry satisfies this.
type Subscriber interface {
	Subscribe() chan domain.ConnectivityEvent
	Unsubscribe(ch chan domain.ConnectivityEvent)
	Lookup(nodeName string) (domain.AgentState, bool)
}

// FlushRequester starts and waits on the flush barrier for an action.
// logrouter.Router satisfies this.
type FlushRequester interface {
	RequestLogFlush(ctx context.Context, actionID string, nodes []string)
	WaitForFlush(ctx context.Context, actionID string) logrouter.FlushResult
}

// Config configures a Coordinator.
type Config struct {
	Registry          Sender
	Connectivity      Subscriber
	Router            FlushRequester
	Journal           journal.Journal
	Metrics           *metrics.Metrics
	ReadinessTimeout  time.Duration
	CancellationGrace time.Duration
	Logger            *zap.Logger
}

// Coordinator is the Node-Action Coordinator (C4). The zero value is not
// usable — construct with New.
type Coordinator struct {
	registry Sender
	conn     Subscriber
	router   FlushRequester
	journal  journal.Journal
	metrics  *metrics.Metrics

	readinessTimeout  time.Duration
	cancellationGrace time.Duration
	logger            *zap.Logger

	mu      sync.Mutex
	actors  map[string]*actionActor   // action-id -> running actor
	byNode  map[string]map[string]bool // node -> set of action-ids watching it

	connCh chan domain.ConnectivityEvent
}

// New constructs a Coordinator and starts its node-health observer.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	readiness := cfg.ReadinessTimeout
	if readiness <= 0 {
		readiness = DefaultReadinessTimeout
	}
	grace := cfg.CancellationGrace
	if grace <= 0 {
		grace = DefaultCancellationGrace
	}

	c := &Coordinator{
		registry:          cfg.Registry,
		conn:              cfg.Connectivity,
		router:            cfg.Router,
		journal:           cfg.Journal,
		metrics:           cfg.Metrics,
		readinessTimeout:  readiness,
		cancellationGrace: grace,
		logger:            logger.Named("coordinator"),
		actors:            make(map[string]*actionActor),
		byNode:            make(map[string]map[string]bool),
	}

	if c.conn != nil {
		c.connCh = c.conn.Subscribe()
		go c.watchConnectivity()
	}

	return c
}

// Submit registers and starts driving nodeAction through the protocol in
// spec.md §4.4. The returned channel receives exactly one NodeActionResult
// when the action resolves.
func (c *Coordinator) Submit(ctx context.Context, action *domain.NodeAction, progress ProgressReporter) (<-chan domain.NodeActionResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	c.mu.Lock()
	if _, exists := c.actors[action.ActionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateActionID, action.ActionID)
	}

	resultCh := make(chan domain.NodeActionResult, 1)

	if len(action.Tasks) == 0 {
		c.mu.Unlock()
		action.Status = domain.NodeActionSucceeded
		action.EndTime = time.Now().UTC()
		resultCh <- domain.NodeActionResult{ActionID: action.ActionID, Success: true, FinalState: action}
		close(resultCh)
		return resultCh, nil
	}

	actor := newActionActor(c, action, progress, resultCh)
	c.actors[action.ActionID] = actor
	for _, task := range action.Tasks {
		if c.byNode[task.NodeName] == nil {
			c.byNode[task.NodeName] = make(map[string]bool)
		}
		c.byNode[task.NodeName][action.ActionID] = true
	}
	c.mu.Unlock()

	go actor.run(ctx)

	return resultCh, nil
}

// SubmitParallel submits every NodeAction concurrently and returns a channel
// that receives the full result slice once every child has resolved
// (spec.md §4.4.8). The aggregate progress reported upward is the arithmetic
// mean of each child's current progress.
func (c *Coordinator) SubmitParallel(ctx context.Context, actions []*domain.NodeAction, progress ProgressReporter) (<-chan []domain.NodeActionResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	n := len(actions)
	results := make([]domain.NodeActionResult, n)
	childPct := make([]int, n)
	var pmu sync.Mutex

	out := make(chan []domain.NodeActionResult, 1)
	if n == 0 {
		out <- results
		close(out)
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, action := range actions {
		i, action := i, action
		g.Go(func() error {
			childProgress := func(pct int, msg string) {
				pmu.Lock()
				childPct[i] = pct
				mean := meanInts(childPct)
				pmu.Unlock()
				progress(mean, msg)
			}

			ch, err := c.Submit(gctx, action, childProgress)
			if err != nil {
				return err
			}
			select {
			case res := <-ch:
				results[i] = res
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			c.logger.Warn("parallel node-action submission error", zap.Error(err))
		}
		out <- results
		close(out)
	}()

	return out, nil
}

// ReportReadiness delivers a ReadinessReport event (spec.md §4.4.3) to the
// named action's mailbox.
func (c *Coordinator) ReportReadiness(actionID, taskID string, ready bool, reason string) error {
	actor, ok := c.lookupActor(actionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	actor.post(readinessReportEvent{taskID: taskID, ready: ready, reason: reason})
	return nil
}

// ReportProgress delivers a ProgressUpdate event (spec.md §4.4.4) to the
// named action's mailbox.
func (c *Coordinator) ReportProgress(actionID, taskID, rawStatus string, percent int, message string, timestamp time.Time, resultJSON string) error {
	actor, ok := c.lookupActor(actionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	actor.post(progressUpdateEvent{
		taskID:     taskID,
		rawStatus:  rawStatus,
		percent:    percent,
		message:    message,
		timestamp:  timestamp,
		resultJSON: resultJSON,
	})
	return nil
}

func (c *Coordinator) lookupActor(actionID string) (*actionActor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	actor, ok := c.actors[actionID]
	return actor, ok
}

// retire removes a resolved action's actor and node-watch entries. Called by
// the actor once it has resolved its result.
func (c *Coordinator) retire(action *domain.NodeAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actors, action.ActionID)
	for _, task := range action.Tasks {
		if set, ok := c.byNode[task.NodeName]; ok {
			delete(set, action.ActionID)
			if len(set) == 0 {
				delete(c.byNode, task.NodeName)
			}
		}
	}
}

// watchConnectivity fans registry connectivity events out to every active
// actor watching the affected node (spec.md §4.4.5).
func (c *Coordinator) watchConnectivity() {
	for ev := range c.connCh {
		c.mu.Lock()
		watchers := make([]*actionActor, 0, len(c.byNode[ev.NodeName]))
		for actionID := range c.byNode[ev.NodeName] {
			if actor, ok := c.actors[actionID]; ok {
				watchers = append(watchers, actor)
			}
		}
		c.mu.Unlock()

		for _, actor := range watchers {
			actor.post(connectivityChangedEvent{nodeName: ev.NodeName, current: string(ev.Current)})
		}
	}
}

func meanInts(vals []int) int {
	if len(vals) == 0 {
		return 0
	}
	sum := 0
	for _, v := range vals {
		sum += v
	}
	return sum / len(vals)
}
