package moly

// Option configures a Controller with optional dependencies.
type Option func(*controllerOptions)

// StrategyFactory builds the load balancer of a Controller.
//
// rules is the Controller's rule store; strategies that re-derive rule sets
// (chain affinity) read it, others may ignore it.
type StrategyFactory func(rules RuleSource, logger Logger, metrics MetricsCollector) LoadBalancer

// IDGenerator mints internal rule ids. Ids must increase and never repeat.
type IDGenerator interface {
	Next() RuleID
}

type controllerOptions struct {
	hooks    *Hooks
	metrics  MetricsCollector
	logger   Logger
	strategy StrategyFactory
	ids      IDGenerator
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewController
//
// Example:
//
//	hooks := &moly.Hooks{
//	    OnChainsChanged: func(ctx context.Context, chains []moly.PolicyChain) error {
//	        return notifySteering(chains)
//	    },
//	}
//	ctrl, err := moly.NewController(&cfg, facade, topo, moly.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *controllerOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewController
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "moly")
//	ctrl, err := moly.NewController(&cfg, facade, topo, moly.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *controllerOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewController
//
// Example:
//
//	ctrl, err := moly.NewController(&cfg, facade, topo, moly.WithLogger(logging.NewSlogDefault()))
func WithLogger(logger Logger) Option {
	return func(o *controllerOptions) {
		o.logger = logger
	}
}

// WithStrategy replaces the strategy named by Config.Strategy.
//
// Parameters:
//   - factory: Builds the LoadBalancer once the rule store exists
//
// Returns:
//   - Option: Functional option for NewController
func WithStrategy(factory StrategyFactory) Option {
	return func(o *controllerOptions) {
		o.strategy = factory
	}
}

// WithIDGenerator sets the internal rule id generator.
// The default is a counter starting at 1.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *controllerOptions) {
		o.ids = ids
	}
}
