package transport

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/DeepnessLab/moly/types"
)

// Message class names.
const (
	ClassMiddleboxRegister      = "MiddleboxRegister"
	ClassMiddleboxDeregister    = "MiddleboxDeregister"
	ClassMiddleboxRulesetAdd    = "MiddleboxRulesetAdd"
	ClassMiddleboxRulesetRemove = "MiddleboxRulesetRemove"
	ClassInstanceRegister       = "InstanceRegister"
	ClassInstanceDeregister     = "InstanceDeregister"
	ClassInstanceException      = "InstanceException"
	ClassNeededInstancesQuery   = "NeededInstancesQuery"
	ClassRuleAdd                = "RuleAdd"
	ClassRuleRemove             = "RuleRemove"
)

// Reply error codes.
const (
	CodeBadRequest    = "bad_request"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeNoCapacity    = "no_capacity"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

type envelope struct {
	ClassName string `json:"className"`
}

// MiddleboxRegister announces a middlebox.
type MiddleboxRegister struct {
	ClassName string     `json:"className"`
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Address   netip.Addr `json:"address,omitzero"`
}

// MiddleboxDeregister withdraws a middlebox and all its rules.
type MiddleboxDeregister struct {
	ClassName string `json:"className"`
	ID        string `json:"id"`
}

// MiddleboxRulesetAdd adds or overwrites rules of a middlebox.
type MiddleboxRulesetAdd struct {
	ClassName string            `json:"className"`
	ID        string            `json:"id"`
	Rules     []types.MatchRule `json:"rules"`
}

// MiddleboxRulesetRemove removes rules of a middlebox by RID.
type MiddleboxRulesetRemove struct {
	ClassName string `json:"className"`
	ID        string `json:"id"`
	Rules     []int  `json:"rules"`
}

// InstanceRegister announces a DPI service instance.
type InstanceRegister struct {
	ClassName string     `json:"className"`
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Address   netip.Addr `json:"address,omitzero"`
}

// InstanceDeregister withdraws a DPI service instance.
type InstanceDeregister struct {
	ClassName string `json:"className"`
	ID        string `json:"id"`
}

// InstanceException reports a failure inside a DPI service instance.
type InstanceException struct {
	ClassName  string `json:"className"`
	ID         string `json:"id"`
	Code       int    `json:"code"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

// NeededInstancesQuery asks which instances a middlebox's traffic must traverse.
type NeededInstancesQuery struct {
	ClassName string `json:"className"`
	ID        string `json:"id"`
}

// RuleAdd tells an instance to start matching rules. Rule ids are internal ids.
type RuleAdd struct {
	ClassName string               `json:"className"`
	Rules     []types.InternalRule `json:"rules"`
}

// RuleRemove tells an instance to stop matching rules by internal id.
type RuleRemove struct {
	ClassName string         `json:"className"`
	Rules     []types.RuleID `json:"rules"`
}

// Reply answers every request.
type Reply struct {
	OK          bool                    `json:"ok"`
	Code        string                  `json:"code,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Middleboxes []types.Middlebox       `json:"middleboxes,omitempty"`
	Instances   []types.ServiceInstance `json:"instances,omitempty"`
}

// decodeControl decodes a message pushed on an instance control subject.
func decodeControl(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.ClassName {
	case ClassRuleAdd:
		var msg RuleAdd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}

		return msg, nil
	case ClassRuleRemove:
		var msg RuleRemove
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}

		return msg, nil
	default:
		return nil, fmt.Errorf("unexpected control message %q", env.ClassName)
	}
}
