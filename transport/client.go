package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/DeepnessLab/moly/types"
)

// ErrRequestFailed is matched by RemoteErrors whose code has no sentinel.
var ErrRequestFailed = errors.New("request failed")

// RemoteError is a failure reported by the controller.
//
// It unwraps to the sentinel matching its code, so callers test it with
// errors.Is(err, types.ErrNotFound) and friends.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return codeError(e.Code)
}

// Client speaks the middlebox and instance side of the protocol.
type Client struct {
	nc     *nats.Conn
	prefix string
}

// NewClient creates a Client for the controller serving prefix.
func NewClient(nc *nats.Conn, prefix string) *Client {
	return &Client{nc: nc, prefix: prefix}
}

// RegisterMiddlebox sends MiddleboxRegister.
func (c *Client) RegisterMiddlebox(ctx context.Context, mb types.Middlebox) error {
	_, err := c.request(ctx, subjectMiddleboxRegister, MiddleboxRegister{
		ClassName: ClassMiddleboxRegister, ID: mb.ID, Name: mb.Name, Address: mb.Address,
	})

	return err
}

// DeregisterMiddlebox sends MiddleboxDeregister.
func (c *Client) DeregisterMiddlebox(ctx context.Context, id string) error {
	_, err := c.request(ctx, subjectMiddleboxDeregister, MiddleboxDeregister{ClassName: ClassMiddleboxDeregister, ID: id})
	return err
}

// AddRules sends MiddleboxRulesetAdd.
func (c *Client) AddRules(ctx context.Context, mbID string, rules []types.MatchRule) error {
	_, err := c.request(ctx, subjectRulesAdd, MiddleboxRulesetAdd{ClassName: ClassMiddleboxRulesetAdd, ID: mbID, Rules: rules})
	return err
}

// RemoveRules sends MiddleboxRulesetRemove.
func (c *Client) RemoveRules(ctx context.Context, mbID string, rids []int) error {
	_, err := c.request(ctx, subjectRulesRemove, MiddleboxRulesetRemove{ClassName: ClassMiddleboxRulesetRemove, ID: mbID, Rules: rids})
	return err
}

// RegisterInstance sends InstanceRegister.
func (c *Client) RegisterInstance(ctx context.Context, inst types.ServiceInstance) error {
	_, err := c.request(ctx, subjectInstanceRegister, InstanceRegister{
		ClassName: ClassInstanceRegister, ID: inst.ID, Name: inst.Name, Address: inst.Address,
	})

	return err
}

// DeregisterInstance sends InstanceDeregister.
func (c *Client) DeregisterInstance(ctx context.Context, id string) error {
	_, err := c.request(ctx, subjectInstanceDeregister, InstanceDeregister{ClassName: ClassInstanceDeregister, ID: id})
	return err
}

// ReportException sends InstanceException.
func (c *Client) ReportException(ctx context.Context, exc InstanceException) error {
	exc.ClassName = ClassInstanceException
	_, err := c.request(ctx, subjectInstanceException, exc)

	return err
}

// Middleboxes queries the registered middleboxes.
func (c *Client) Middleboxes(ctx context.Context) ([]types.Middlebox, error) {
	reply, err := c.request(ctx, subjectQueryMiddleboxes, nil)
	return reply.Middleboxes, err
}

// Instances queries the registered instances.
func (c *Client) Instances(ctx context.Context) ([]types.ServiceInstance, error) {
	reply, err := c.request(ctx, subjectQueryInstances, nil)
	return reply.Instances, err
}

// NeededInstances queries the instances holding rules of a middlebox.
func (c *Client) NeededInstances(ctx context.Context, mbID string) ([]types.ServiceInstance, error) {
	reply, err := c.request(ctx, subjectQueryNeeded, NeededInstancesQuery{ClassName: ClassNeededInstancesQuery, ID: mbID})
	return reply.Instances, err
}

// SubscribeControl delivers the RuleAdd and RuleRemove messages sent to
// instance id. Undecodable messages are skipped.
//
// Example:
//
//	sub, err := client.SubscribeControl("dpi-1", func(msg any) {
//	    switch m := msg.(type) {
//	    case transport.RuleAdd:
//	        engine.Load(m.Rules)
//	    case transport.RuleRemove:
//	        engine.Unload(m.Rules)
//	    }
//	})
func (c *Client) SubscribeControl(id string, handler func(msg any)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(ControlSubject(c.prefix, id), func(m *nats.Msg) {
		msg, err := decodeControl(m.Data)
		if err != nil {
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe control subject of %s: %w", id, err)
	}

	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush control subscription: %w", err)
	}

	return sub, nil
}

func (c *Client) request(ctx context.Context, suffix string, req any) (Reply, error) {
	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			return Reply{}, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	msg, err := c.nc.RequestWithContext(ctx, Subject(c.prefix, suffix), data)
	if err != nil {
		return Reply{}, fmt.Errorf("request %s: %w", suffix, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply of %s: %w", suffix, err)
	}
	if !reply.OK {
		return reply, &RemoteError{Code: reply.Code, Message: reply.Error}
	}

	return reply, nil
}

func codeError(code string) error {
	switch code {
	case CodeNotFound:
		return types.ErrNotFound
	case CodeAlreadyExists:
		return types.ErrAlreadyExists
	case CodeNoCapacity:
		return types.ErrNoCapacity
	case CodeUnavailable:
		return types.ErrNotStarted
	default:
		return ErrRequestFailed
	}
}
