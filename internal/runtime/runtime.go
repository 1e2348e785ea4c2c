// Package runtime assembles the full in-process system behind the thin
// programmatic surface: load a bootstrap, drive ticks, apply intents, ask
// questions, read snapshots, subscribe to events. Network frontends wrap this
// type rather than the individual components.
package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/analyzer"
	"github.com/xkilldash9x/spacegraph/internal/bus"
	"github.com/xkilldash9x/spacegraph/internal/command"
	"github.com/xkilldash9x/spacegraph/internal/graph"
	"github.com/xkilldash9x/spacegraph/internal/orchestrator"
	"github.com/xkilldash9x/spacegraph/internal/qa"
	"github.com/xkilldash9x/spacegraph/internal/support"
)

// Options carries the tunables for a core instance.
type Options struct {
	Orchestrator orchestrator.Config
	Analyzer     analyzer.Params
	// CascadeRotation makes moves with an orientation change swing dependents
	// around the mover instead of only translating them.
	CascadeRotation bool
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		Orchestrator: orchestrator.DefaultConfig(),
		Analyzer:     analyzer.DefaultParams(),
	}
}

// Core owns one scene: the store, the message bus, the tick loop and every
// derived system over them.
type Core struct {
	store    *graph.Store
	bus      *bus.Bus
	clock    *orchestrator.Clock
	orch     *orchestrator.Orchestrator
	support  *support.System
	analyzer *analyzer.Assembler
	qa       *qa.Dispatcher
	router   *command.Router
	log      *zap.Logger
}

// New builds a core with an empty scene.
func New(opts Options, logger *zap.Logger) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("runtime")

	store, err := graph.NewStore(logger)
	if err != nil {
		return nil, err
	}
	mb := bus.New(logger)
	clock := orchestrator.NewClock(0)
	orch := orchestrator.New(store, mb, clock, opts.Orchestrator, logger)

	sys := support.New(store, opts.Orchestrator.Tuning.Topo, opts.CascadeRotation, logger)
	store.AddSink(sys)

	asm := analyzer.New(store, sys, opts.Analyzer, logger)
	dispatcher := qa.New(asm, sys, logger)
	router := command.New(store, sys, dispatcher, clock, logger)

	return &Core{
		store:    store,
		bus:      mb,
		clock:    clock,
		orch:     orch,
		support:  sys,
		analyzer: asm,
		qa:       dispatcher,
		router:   router,
		log:      log,
	}, nil
}

// Store exposes the scene graph for read access.
func (c *Core) Store() *graph.Store { return c.store }

// LoadBootstrap populates the scene from a bootstrap document.
func (c *Core) LoadBootstrap(doc *schemas.BootstrapFile) error {
	stamp := schemas.Stamp{TS: c.clock.Next(), Origin: "bootstrap"}
	if err := c.store.LoadBootstrap(doc, stamp); err != nil {
		return err
	}
	c.log.Info("scene loaded",
		zap.String("scene", c.store.SceneID()),
		zap.Int("nodes", len(c.store.Nodes())))
	return nil
}

// Tick runs one negotiation round.
func (c *Core) Tick(ctx context.Context) error {
	return c.orch.Tick(ctx)
}

// RunTicks runs n rounds, stopping early if the context ends.
func (c *Core) RunTicks(ctx context.Context, n int) error {
	return c.orch.RunTicks(ctx, n)
}

// Run drives the tick loop on the configured interval until the context ends.
func (c *Core) Run(ctx context.Context) error {
	return c.orch.Run(ctx)
}

// ApplyIntent validates and applies a single intent. A context past its
// deadline rejects with Timeout before anything commits.
func (c *Core) ApplyIntent(ctx context.Context, in schemas.Intent) (schemas.IntentResult, error) {
	if err := ctx.Err(); err != nil {
		return schemas.IntentResult{}, schemas.Wrap(schemas.KindTimeout, err, "intent deadline expired")
	}
	return c.router.Apply(in)
}

// ApplyIntents applies a batch atomically.
func (c *Core) ApplyIntents(ctx context.Context, intents []schemas.Intent) ([]schemas.IntentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.Wrap(schemas.KindTimeout, err, "intent deadline expired")
	}
	return c.router.ApplyBatch(intents)
}

// Ask answers a question against the current scene.
func (c *Core) Ask(ctx context.Context, question string) (*schemas.Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.Wrap(schemas.KindTimeout, err, "question deadline expired")
	}
	return c.qa.Answer(question), nil
}

// Snapshot assembles the structured spatial context.
func (c *Core) Snapshot() *schemas.Snapshot {
	return c.analyzer.Snapshot()
}

// Subscribe registers an event sink for every committed batch.
func (c *Core) Subscribe(sink schemas.EventSink) {
	c.store.AddSink(sink)
}

// Events returns the full event log.
func (c *Core) Events() []schemas.Event {
	return c.store.Events()
}

// Close shuts the message bus down. The store stays readable.
func (c *Core) Close() {
	c.bus.Shutdown()
}
