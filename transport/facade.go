package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/internal/natsutil"
	"github.com/DeepnessLab/moly/types"
)

// Facade delivers rule assignments to instances by publishing control
// messages on their control subjects.
//
// Delivery is fire-and-forget: a publish that fails is reported to the
// caller, which logs it. Instances that miss updates recover by registering
// again.
type Facade struct {
	nc     *nats.Conn
	prefix string
	logger types.Logger
}

var _ types.InstanceFacade = (*Facade)(nil)

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithFacadeLogger sets the logger.
func WithFacadeLogger(l types.Logger) FacadeOption {
	return func(f *Facade) {
		f.logger = l
	}
}

// NewFacade creates a Facade publishing under prefix.
//
// Example:
//
//	facade := transport.NewFacade(nc, cfg.Transport.SubjectPrefix)
//	ctrl, err := moly.NewController(&cfg, facade, topo)
func NewFacade(nc *nats.Conn, prefix string, opts ...FacadeOption) *Facade {
	f := &Facade{
		nc:     nc,
		prefix: prefix,
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// AssignRules sends RuleAdd to inst.
func (f *Facade) AssignRules(rules []types.InternalRule, inst types.ServiceInstance) error {
	return f.publish(inst, RuleAdd{ClassName: ClassRuleAdd, Rules: rules})
}

// DeallocateRules sends RuleRemove to inst.
func (f *Facade) DeallocateRules(rules []types.InternalRule, inst types.ServiceInstance) error {
	return f.publish(inst, RuleRemove{ClassName: ClassRuleRemove, Rules: types.RuleIDs(rules)})
}

// SendMessage publishes an arbitrary JSON message to inst.
func (f *Facade) SendMessage(inst types.ServiceInstance, msg any) bool {
	return f.publish(inst, msg) == nil
}

func (f *Facade) publish(inst types.ServiceInstance, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", inst.ID, err)
	}

	subject := ControlSubject(f.prefix, inst.ID)
	if err := f.nc.Publish(subject, data); err != nil {
		if natsutil.IsConnectivityError(err) {
			f.logger.Warn("broker unreachable, control message dropped", "instance", inst.ID, "error", err)
		}

		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	f.logger.Debug("control message sent", "instance", inst.ID, "subject", subject, "bytes", len(data))

	return nil
}
