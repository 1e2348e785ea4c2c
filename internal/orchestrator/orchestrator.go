// Package orchestrator drives the negotiation tick loop: pin the agent set,
// run perception, collect patches, commit them in a stable order. It owns the
// logical clock and is the only writer that sequences agent patches into the
// store.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/agent"
)

// Graph is the store surface the orchestrator needs: the agent read handle
// plus node enumeration and patch commit.
type Graph interface {
	agent.Store
	Nodes() []schemas.Node
	ApplyPatch(p *schemas.Patch) ([]schemas.Event, error)
	AppendEvent(t schemas.EventType, subject string, stamp schemas.Stamp, details map[string]any) schemas.Event
}

// Mailbox extends the agent bus capability with the end-of-tick sweep.
type Mailbox interface {
	agent.Mailbox
	Clear()
}

// Config carries the tick loop settings.
type Config struct {
	// TickBudget is the soft deadline for one tick. Overruns commit anyway
	// and are recorded as events. Zero disables the check.
	TickBudget time.Duration
	// Interval is the period between ticks in Run.
	Interval time.Duration
	Tuning   agent.Tuning
}

// DefaultConfig returns the standard tick settings.
func DefaultConfig() Config {
	return Config{
		TickBudget: 100 * time.Millisecond,
		Interval:   250 * time.Millisecond,
		Tuning:     agent.DefaultTuning(),
	}
}

// Orchestrator owns the agent registry and the tick loop. Not safe for
// concurrent Tick calls; Run serializes them.
type Orchestrator struct {
	store  Graph
	bus    Mailbox
	clock  *Clock
	cfg    Config
	agents map[string]*agent.Agent
	log    *zap.Logger
}

// New wires an orchestrator over a store and bus. The clock is shared with
// whoever stamps out-of-band patches, typically the command surface.
func New(store Graph, mb Mailbox, clock *Clock, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:  store,
		bus:    mb,
		clock:  clock,
		cfg:    cfg,
		agents: make(map[string]*agent.Agent),
		log:    logger.Named("orchestrator"),
	}
}

// Clock exposes the shared logical clock.
func (o *Orchestrator) Clock() *Clock { return o.clock }

// syncAgents reconciles the agent registry against the current node set and
// returns the active agents sorted by id. Nodes added mid-tick show up here on
// the next call; rooms never negotiate.
func (o *Orchestrator) syncAgents() []*agent.Agent {
	nodes := o.store.Nodes()
	seen := make(map[string]struct{}, len(nodes))
	active := make([]*agent.Agent, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.Class == "room" {
			continue
		}
		seen[n.ID] = struct{}{}
		ag, ok := o.agents[n.ID]
		if !ok {
			ag = agent.New(n.ID, n.Class, o.store, o.bus, o.cfg.Tuning, o.log)
			o.agents[n.ID] = ag
		}
		active = append(active, ag)
	}
	for id := range o.agents {
		if _, ok := seen[id]; !ok {
			delete(o.agents, id)
		}
	}
	return active
}

// Tick runs one negotiation round: Phase A perception for every pinned agent,
// Phase B inbox handling in sorted id order, then patch commits in the same
// order. Phase A is fan-out safe because perception only reads the store and
// the bus drains deterministically.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := o.clock.Next()
	start := time.Now()
	agents := o.syncAgents()

	var g errgroup.Group
	for _, ag := range agents {
		g.Go(func() error {
			ag.Perceive(ts)
			return nil
		})
	}
	_ = g.Wait()

	patches := make([]*schemas.Patch, len(agents))
	for i, ag := range agents {
		patches[i] = ag.HandleInbox(ts)
	}

	var committed int
	for i, p := range patches {
		if p.Empty() {
			continue
		}
		events, err := o.store.ApplyPatch(p)
		if err != nil {
			// A neighbor may have been removed between perception and commit;
			// the tick carries on with the remaining patches.
			o.log.Warn("agent patch rejected",
				zap.String("agent", agents[i].ID), zap.Error(err))
			continue
		}
		committed += len(events)
	}
	o.bus.Clear()

	elapsed := time.Since(start)
	o.log.Debug("tick complete",
		zap.Uint64("tick", ts),
		zap.Int("agents", len(agents)),
		zap.Int("events", committed),
		zap.Duration("elapsed", elapsed))
	if o.cfg.TickBudget > 0 && elapsed > o.cfg.TickBudget {
		o.log.Warn("tick overran budget",
			zap.Uint64("tick", ts),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", o.cfg.TickBudget))
		o.store.AppendEvent(schemas.EventTickOverrun, "",
			schemas.Stamp{TS: ts, Origin: "orchestrator"},
			map[string]any{"budget_ms": o.cfg.TickBudget.Milliseconds()})
	}
	return nil
}

// RunTicks runs n ticks back to back, stopping early on context cancellation.
func (o *Orchestrator) RunTicks(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := o.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks at the configured interval until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	o.log.Info("tick loop started", zap.Duration("interval", o.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			o.log.Info("tick loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				return err
			}
		}
	}
}
