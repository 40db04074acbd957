package strategy

import (
	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/internal/metrics"
	"github.com/DeepnessLab/moly/types"
)

// Names reported to metrics and accepted by the configuration.
const (
	NameChainAffinity = "chain-affinity"
	NameLeastLoaded   = "least-loaded"
)

type options struct {
	logger  types.Logger
	metrics types.StrategyMetrics
}

// Option configures a strategy.
type Option func(*options)

// WithLogger sets the strategy logger.
func WithLogger(l types.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the strategy metrics collector.
func WithMetrics(m types.StrategyMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger:  logger.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
