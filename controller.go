package moly

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/DeepnessLab/moly/internal/chainbuilder"
	"github.com/DeepnessLab/moly/internal/foreman"
	"github.com/DeepnessLab/moly/internal/hooks"
	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/internal/metrics"
	"github.com/DeepnessLab/moly/internal/rules"
	"github.com/DeepnessLab/moly/strategy"
	"github.com/DeepnessLab/moly/types"
)

// Event names reported to metrics.
const (
	eventRegisterMiddlebox   = "register_middlebox"
	eventDeregisterMiddlebox = "deregister_middlebox"
	eventAddRules            = "add_rules"
	eventRemoveRules         = "remove_rules"
	eventRegisterInstance    = "register_instance"
	eventDeregisterInstance  = "deregister_instance"
	eventUpdateChains        = "update_chains"
	eventQuery               = "query"
)

// Controller is the coordinator of the DPI control plane.
//
// It owns the rule store, the assignment ledger and the load-balancing
// strategy. All of them are touched only by the Controller's event loop:
// every public operation is queued as one event and runs to completion,
// reconciliation included, before the next one starts.
//
// After every mutating event the Controller resolves the latest raw chains
// against the registered middleboxes and instances, hands changed chains to
// the strategy and, when the steered chains differ from the ones last
// pushed, publishes them to the ChainTopology, runs Hooks.OnChainsChanged
// and notifies SubscribeChains subscribers.
//
// Lifecycle:
//   - Create with NewController()
//   - Call Start() to run the event loop and the topology watcher
//   - Call Stop() for graceful shutdown
type Controller struct {
	cfg      Config
	facade   types.InstanceFacade
	topology types.ChainTopology

	hooks   *Hooks
	metrics MetricsCollector
	logger  Logger

	// Coordination state, owned by the event loop.
	store   *rules.Store
	foreman *foreman.Foreman
	lb      types.LoadBalancer
	owners  types.ChainOwners
	raw     []types.RawPolicyChain
	haveRaw bool
	chains  []types.PolicyChain
	steered []types.PolicyChain
	pushed  bool

	events  chan event
	publish chan []types.PolicyChain

	subscribers      *xsync.Map[uint64, *chainSubscriber]
	nextSubscriberID atomic.Uint64

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

type event struct {
	name      string
	reconcile bool
	fn        func() error
	done      chan error
}

// NewController creates a Controller.
//
// Parameters:
//   - cfg: Configuration, defaults are applied to missing values
//   - facade: Delivers rule assignments to service instances
//   - topology: Source of raw policy chains and sink of steered ones, may be nil
//   - opts: Optional logger, metrics, hooks, strategy and id generator
//
// Returns:
//   - *Controller: Controller ready to Start
//   - error: ErrInvalidConfig or ErrFacadeRequired
//
// Example:
//
//	cfg := moly.DefaultConfig()
//	topo := source.NewStatic(chains)
//	ctrl, err := moly.NewController(&cfg, transport.NewFacade(nc, "moly"), topo)
//	if err != nil {
//	    return err
//	}
//	if err := ctrl.Start(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Stop(context.Background())
func NewController(cfg *Config, facade InstanceFacade, topology ChainTopology, opts ...Option) (*Controller, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if facade == nil {
		return nil, ErrFacadeRequired
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &controllerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logger.NewNop()
	}

	cfg.ValidateWithWarnings(loggerInstance)

	var hooksInstance Hooks
	if options.hooks != nil {
		hooksInstance = *options.hooks
	}
	hooksInstance = hooks.Fill(hooksInstance)

	storeOpts := []rules.Option{rules.WithLogger(loggerInstance)}
	if options.ids != nil {
		storeOpts = append(storeOpts, rules.WithIDGenerator(options.ids))
	}
	store := rules.NewStore(storeOpts...)

	factory := options.strategy
	if factory == nil {
		factory = strategyByName(cfg.Strategy)
	}
	lb := factory(store, loggerInstance, metricsCollector)
	owners, _ := lb.(types.ChainOwners)

	c := &Controller{
		cfg:         *cfg,
		facade:      facade,
		topology:    topology,
		hooks:       &hooksInstance,
		metrics:     metricsCollector,
		logger:      loggerInstance,
		store:       store,
		lb:          lb,
		owners:      owners,
		events:      make(chan event, cfg.EventQueueSize),
		publish:     make(chan []types.PolicyChain, 1),
		subscribers: xsync.NewMap[uint64, *chainSubscriber](),
	}
	c.foreman = foreman.New(facade, lb,
		foreman.WithLogger(loggerInstance),
		foreman.WithMetrics(metricsCollector),
	)

	return c, nil
}

// strategyByName returns the factory of a built-in strategy. The name has
// already been validated.
func strategyByName(name string) StrategyFactory {
	if name == strategy.NameLeastLoaded {
		return func(_ RuleSource, l Logger, m MetricsCollector) LoadBalancer {
			return strategy.NewLeastLoaded(strategy.WithLogger(l), strategy.WithMetrics(m))
		}
	}

	return func(rs RuleSource, l Logger, m MetricsCollector) LoadBalancer {
		return strategy.NewChainAffinity(rs, strategy.WithLogger(l), strategy.WithMetrics(m))
	}
}

// Start runs the event loop, the chain publisher and, when a topology was
// given, the topology watcher. It returns once they are running.
//
// Parameters:
//   - ctx: Unused beyond the call; the Controller runs until Stop
//
// Returns:
//   - error: ErrAlreadyStarted if called twice
func (c *Controller) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		return ErrAlreadyStarted
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.stopped = make(chan struct{})

	c.wg.Add(2)
	go c.run(c.ctx)
	go c.runPublisher(c.ctx)

	if c.topology != nil {
		c.wg.Add(1)
		go c.watchTopology(c.ctx)
	}

	c.logger.Info("controller started", "strategy", c.cfg.Strategy)

	return nil
}

// Stop stops the event loop and waits for background goroutines.
//
// Events still queued are dropped and their callers receive ErrNotStarted.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: ErrNotStarted, or the context error on timeout
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()

		return ErrNotStarted
	}
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.subscribers.Range(func(id uint64, _ *chainSubscriber) bool {
			c.removeSubscriber(id)
			return true
		})
		c.logger.Info("controller stopped gracefully")

		return nil
	case <-ctx.Done():
		c.logger.Error("shutdown timeout exceeded, some goroutines may still be running")

		return ctx.Err()
	}
}

// RegisterMiddlebox adds a middlebox to the registry.
//
// Returns:
//   - error: ErrAlreadyExists for a known id
func (c *Controller) RegisterMiddlebox(ctx context.Context, mb Middlebox) error {
	return c.exec(ctx, eventRegisterMiddlebox, true, func() error {
		if !c.store.RegisterMiddlebox(mb) {
			c.logger.Warn("middlebox already registered", "middlebox", mb.ID)
			return fmt.Errorf("middlebox %s: %w", mb.ID, ErrAlreadyExists)
		}
		c.logger.Info("middlebox registered", "middlebox", mb.ID, "name", mb.Name, "address", mb.Address)

		return nil
	})
}

// DeregisterMiddlebox removes a middlebox and withdraws the rules only it owned.
//
// Returns:
//   - error: ErrNotFound for an unknown id
func (c *Controller) DeregisterMiddlebox(ctx context.Context, id string) error {
	return c.exec(ctx, eventDeregisterMiddlebox, true, func() error {
		mb, ok := c.store.Middlebox(id)
		if !ok {
			c.logger.Warn("cannot deregister unknown middlebox", "middlebox", id)
			return fmt.Errorf("middlebox %s: %w", id, ErrNotFound)
		}

		retired, err := c.store.DeregisterMiddlebox(id)
		if err != nil {
			return err
		}
		c.logger.Info("middlebox deregistered", "middlebox", id, "retired", len(retired))

		return c.foreman.RemoveJobs(retired, &mb)
	})
}

// AddRules stores rules of a middlebox and places its rule set on instances.
//
// A rule whose RID is already stored replaces the stored one. A replaced
// pattern no other rule uses is withdrawn from the instances holding it.
//
// Returns:
//   - error: ErrNotFound for an unknown middlebox; ErrNoCapacity when the
//     rules were stored but could not be placed
func (c *Controller) AddRules(ctx context.Context, mbID string, rs []MatchRule) error {
	return c.exec(ctx, eventAddRules, true, func() error {
		mb, ok := c.store.Middlebox(mbID)
		if !ok {
			c.logger.Warn("rules from unknown middlebox", "middlebox", mbID)
			return fmt.Errorf("middlebox %s: %w", mbID, ErrNotFound)
		}

		if old := c.store.Superseded(mbID, rs); len(old) > 0 {
			rids := make([]int, 0, len(old))
			for _, r := range old {
				rids = append(rids, r.RID)
			}
			retired, err := c.store.RemoveRules(mbID, rids)
			if err != nil {
				return err
			}
			if err := c.foreman.RemoveJobs(retired, &mb); err != nil {
				c.logger.Warn("failed to withdraw overwritten rules", "middlebox", mbID, "error", err)
			}
		}

		internal, err := c.store.AddRules(mbID, rs)
		if err != nil {
			return err
		}
		c.logger.Info("rules added", "middlebox", mbID, "rules", len(rs), "internal", len(internal))

		if err := c.foreman.AddJobs(internal, &mb); err != nil {
			c.logger.Warn("cannot place rules", "middlebox", mbID, "error", err)
			return err
		}

		return nil
	})
}

// RemoveRules removes rules of a middlebox by RID.
//
// RIDs the middlebox never held are logged and skipped.
//
// Returns:
//   - error: ErrNotFound for an unknown middlebox
func (c *Controller) RemoveRules(ctx context.Context, mbID string, rids []int) error {
	return c.exec(ctx, eventRemoveRules, true, func() error {
		mb, ok := c.store.Middlebox(mbID)
		if !ok {
			c.logger.Warn("rule removal from unknown middlebox", "middlebox", mbID)
			return fmt.Errorf("middlebox %s: %w", mbID, ErrNotFound)
		}

		retired, err := c.store.RemoveRules(mbID, rids)
		if err != nil {
			return err
		}
		c.logger.Info("rules removed", "middlebox", mbID, "rids", len(rids), "retired", len(retired))

		return c.foreman.RemoveJobs(retired, &mb)
	})
}

// RegisterInstance adds a DPI service instance.
//
// Returns:
//   - error: ErrAlreadyExists for a known id
func (c *Controller) RegisterInstance(ctx context.Context, inst ServiceInstance) error {
	return c.exec(ctx, eventRegisterInstance, true, func() error {
		if !c.foreman.AddWorker(inst) {
			c.logger.Warn("instance already registered", "instance", inst.ID)
			return fmt.Errorf("instance %s: %w", inst.ID, ErrAlreadyExists)
		}
		c.logger.Info("instance registered", "instance", inst.ID, "name", inst.Name, "address", inst.Address)

		return nil
	})
}

// DeregisterInstance removes a DPI service instance. Its rules are placed
// again according to the strategy.
//
// Returns:
//   - error: ErrNotFound for an unknown id
func (c *Controller) DeregisterInstance(ctx context.Context, id string) error {
	return c.exec(ctx, eventDeregisterInstance, true, func() error {
		inst, ok := c.foreman.Instance(id)
		if !ok || !c.foreman.RemoveWorker(inst) {
			c.logger.Warn("cannot deregister unknown instance", "instance", id)
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		c.logger.Info("instance deregistered", "instance", id)

		return nil
	})
}

// UpdateChains replaces the raw policy chains.
//
// The topology watcher calls it for every revision; it is exported for
// embedders feeding chains themselves.
func (c *Controller) UpdateChains(ctx context.Context, raw []RawPolicyChain) error {
	raw = slices.Clone(raw)

	return c.exec(ctx, eventUpdateChains, true, func() error {
		if c.haveRaw && types.RawChainsEqual(c.raw, raw) {
			c.logger.Debug("raw chains unchanged", "chains", len(raw))
			return nil
		}
		c.raw, c.haveRaw = raw, true
		c.logger.Info("raw chains updated", "chains", len(raw))

		return nil
	})
}

// Middleboxes returns the registered middleboxes in registration order.
func (c *Controller) Middleboxes(ctx context.Context) ([]Middlebox, error) {
	var result []Middlebox
	err := c.exec(ctx, eventQuery, false, func() error {
		result = c.store.Middleboxes()
		return nil
	})

	return result, err
}

// Instances returns the registered service instances in registration order.
func (c *Controller) Instances(ctx context.Context) ([]ServiceInstance, error) {
	var result []ServiceInstance
	err := c.exec(ctx, eventQuery, false, func() error {
		result = c.foreman.Instances()
		return nil
	})

	return result, err
}

// NeededInstances returns the instances holding any rule of a middlebox, in
// registration order. These are the instances its traffic must traverse.
//
// Returns:
//   - error: ErrNotFound for an unknown middlebox
func (c *Controller) NeededInstances(ctx context.Context, mbID string) ([]ServiceInstance, error) {
	var result []ServiceInstance
	err := c.exec(ctx, eventQuery, false, func() error {
		rs, err := c.store.MatchRules(mbID)
		if err != nil {
			return fmt.Errorf("middlebox %s: %w", mbID, err)
		}
		result = c.foreman.NeededInstances(rs)

		return nil
	})

	return result, err
}

// InstanceRules is one row of the assignment ledger.
type InstanceRules struct {
	Instance ServiceInstance `json:"instance"`
	Rules    []RuleID        `json:"rules"`
}

// Snapshot is a consistent copy of the Controller's state.
type Snapshot struct {
	Middleboxes []Middlebox       `json:"middleboxes"`
	Instances   []ServiceInstance `json:"instances"`
	Patterns    []RulePattern     `json:"patterns"`
	Chains      []PolicyChain     `json:"chains"`
	Steered     []PolicyChain     `json:"steered"`
	ChainOwners map[string]string `json:"chainOwners,omitempty"`
	Assignments []InstanceRules   `json:"assignments"`
}

// Snapshot returns the Controller's state as seen between two events.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.exec(ctx, eventQuery, false, func() error {
		snap = Snapshot{
			Middleboxes: c.store.Middleboxes(),
			Instances:   c.foreman.Instances(),
			Patterns:    c.store.Patterns(),
			Chains:      slices.Clone(c.chains),
			Steered:     slices.Clone(c.steered),
		}
		snap.ChainOwners = c.chainOwners()
		for _, a := range c.foreman.Assignments() {
			snap.Assignments = append(snap.Assignments, InstanceRules{Instance: a.Instance, Rules: a.Rules})
		}

		return nil
	})

	return snap, err
}

// SubscribeChains returns a channel receiving every steered chain set the
// Controller publishes.
//
// The channel is buffered; a subscriber that falls behind misses
// intermediate sets but always sees a later one. The channel is closed by
// the returned unsubscribe function or by Stop.
//
// Example:
//
//	ch, unsubscribe := ctrl.SubscribeChains()
//	defer unsubscribe()
//	for chains := range ch {
//	    apply(chains)
//	}
func (c *Controller) SubscribeChains() (<-chan []PolicyChain, func()) {
	id := c.nextSubscriberID.Add(1)
	sub := &chainSubscriber{ch: make(chan []PolicyChain, 4)}
	c.subscribers.Store(id, sub)

	return sub.ch, func() {
		c.removeSubscriber(id)
	}
}

func (c *Controller) removeSubscriber(id uint64) {
	if sub, ok := c.subscribers.LoadAndDelete(id); ok {
		sub.close()
	}
}

// chainOwners maps each current traffic class to its serving instance id.
// It is nil when the strategy does not bind chains to instances.
func (c *Controller) chainOwners() map[string]string {
	if c.owners == nil {
		return nil
	}

	owners := make(map[string]string, len(c.chains))
	for _, chain := range c.chains {
		if inst, ok := c.owners.ChainInstance(chain.TrafficClass); ok {
			owners[chain.TrafficClass] = inst.ID
		}
	}

	return owners
}

// exec queues fn on the event loop and waits for it.
func (c *Controller) exec(ctx context.Context, name string, reconcile bool, fn func() error) error {
	c.mu.Lock()
	loopCtx, stopped := c.ctx, c.stopped
	c.mu.Unlock()

	if loopCtx == nil || loopCtx.Err() != nil {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := event{name: name, reconcile: reconcile, fn: fn, done: make(chan error, 1)}
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrNotStarted
	}

	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrNotStarted
	}
}

// run is the event loop. It is the only goroutine touching coordination state.
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	start := time.Now()

	err := ev.fn()
	if err != nil && !isExpected(err) {
		c.reportError(ctx, fmt.Errorf("%s: %w", ev.name, err))
	}
	if ev.reconcile {
		c.reconcile()
		c.metrics.RecordRegistrySize(len(c.store.Middleboxes()), len(c.foreman.Instances()))
		c.metrics.RecordPatternCount(len(c.store.Patterns()))
	}

	c.metrics.RecordEvent(ev.name, time.Since(start).Seconds())
	ev.done <- err
}

// isExpected reports errors that describe the request rather than a fault.
func isExpected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNoCapacity)
}

// reconcile resolves the raw chains, forwards changed chains to the strategy
// and queues changed steered chains for publishing. It is idempotent.
func (c *Controller) reconcile() {
	if !c.haveRaw {
		return
	}

	resolved := c.resolve(c.raw)
	if !types.ChainsEqual(resolved, c.chains) {
		c.logger.Debug("policy chains changed", "chains", len(resolved))
		c.chains = resolved
		c.foreman.SetPolicyChains(resolved)
	}

	steered := chainbuilder.Build(c.chains, c.owners)
	if c.pushed && types.ChainsEqual(steered, c.steered) {
		return
	}
	c.steered, c.pushed = steered, true
	c.logger.Info("steered chains changed", "chains", len(steered))

	// The publisher holds at most one pending set; a newer one replaces it.
	select {
	case <-c.publish:
	default:
	}
	c.publish <- slices.Clone(steered)
}

// resolve turns raw chains into typed chains against the live registries.
// Addresses matching no middlebox or instance become generic nodes.
func (c *Controller) resolve(raw []types.RawPolicyChain) []types.PolicyChain {
	middleboxes := make(map[netip.Addr]types.Middlebox)
	for _, mb := range c.store.Middleboxes() {
		if mb.Address.IsValid() {
			middleboxes[mb.Address] = mb
		}
	}
	instances := make(map[netip.Addr]types.ServiceInstance)
	for _, inst := range c.foreman.Instances() {
		if inst.Address.IsValid() {
			instances[inst.Address] = inst
		}
	}

	result := make([]types.PolicyChain, 0, len(raw))
	for _, rc := range raw {
		nodes := make([]types.ChainNode, 0, len(rc.Chain))
		for _, addr := range rc.Chain {
			if mb, ok := middleboxes[addr]; ok {
				nodes = append(nodes, types.MiddleboxNode(mb))
			} else if inst, ok := instances[addr]; ok {
				nodes = append(nodes, types.InstanceNode(inst))
			} else {
				nodes = append(nodes, types.GenericNode(addr))
			}
		}
		result = append(result, types.NewPolicyChain(rc.TrafficClass, nodes...))
	}

	return result
}

// runPublisher delivers steered chains outside the event loop.
func (c *Controller) runPublisher(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case chains := <-c.publish:
			c.deliver(ctx, chains)
		}
	}
}

func (c *Controller) deliver(ctx context.Context, chains []types.PolicyChain) {
	if c.topology != nil {
		pushCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
		err := c.topology.Publish(pushCtx, types.ToRawChains(chains))
		cancel()
		c.metrics.RecordChainPush(len(chains), err == nil)
		if err != nil {
			c.reportError(ctx, fmt.Errorf("failed to publish steered chains: %w", err))
		}
	}

	if err := c.hooks.OnChainsChanged(ctx, chains); err != nil {
		c.logger.Error("OnChainsChanged hook failed", "error", err)
	}

	c.subscribers.Range(func(_ uint64, sub *chainSubscriber) bool {
		sub.trySend(chains)
		return true
	})
}

// watchTopology feeds topology revisions into the event loop.
func (c *Controller) watchTopology(ctx context.Context) {
	defer c.wg.Done()

	err := c.topology.Watch(ctx, func(ctx context.Context, raw []types.RawPolicyChain) {
		if err := c.UpdateChains(ctx, raw); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to apply chain update", "error", err)
		}
	})
	if err != nil && ctx.Err() == nil {
		c.reportError(ctx, fmt.Errorf("topology watch stopped: %w", err))
	}
}

func (c *Controller) reportError(ctx context.Context, err error) {
	c.logger.Error("controller error", "error", err)
	if hookErr := c.hooks.OnError(ctx, err); hookErr != nil {
		c.logger.Error("OnError hook failed", "error", hookErr)
	}
}
