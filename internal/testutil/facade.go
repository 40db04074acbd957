// Package testutil holds test doubles shared by the moly test suites.
package testutil

import (
	"errors"
	"sync"

	"github.com/DeepnessLab/moly/types"
)

// ErrInjected is returned by a RecordingFacade configured to fail.
var ErrInjected = errors.New("injected facade failure")

// FacadeCall is one recorded facade invocation.
type FacadeCall struct {
	Op       string
	Instance string
	Rules    []types.RuleID
}

// RecordingFacade is an InstanceFacade that records every call.
//
// It is safe for concurrent use.
type RecordingFacade struct {
	mu    sync.Mutex
	calls []FacadeCall
	fail  bool
}

var _ types.InstanceFacade = (*RecordingFacade)(nil)

// NewRecordingFacade creates an empty recorder.
func NewRecordingFacade() *RecordingFacade {
	return &RecordingFacade{}
}

// FailCalls makes subsequent assign and deallocate calls return ErrInjected.
// Calls are still recorded.
func (f *RecordingFacade) FailCalls(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// AssignRules records an assign call.
func (f *RecordingFacade) AssignRules(rules []types.InternalRule, inst types.ServiceInstance) error {
	return f.record("assign", rules, inst)
}

// DeallocateRules records a deallocate call.
func (f *RecordingFacade) DeallocateRules(rules []types.InternalRule, inst types.ServiceInstance) error {
	return f.record("deallocate", rules, inst)
}

// SendMessage records a message and reports delivery.
func (f *RecordingFacade) SendMessage(inst types.ServiceInstance, _ any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FacadeCall{Op: "message", Instance: inst.ID})

	return !f.fail
}

func (f *RecordingFacade) record(op string, rules []types.InternalRule, inst types.ServiceInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FacadeCall{Op: op, Instance: inst.ID, Rules: types.RuleIDs(rules)})
	if f.fail {
		return ErrInjected
	}

	return nil
}

// Calls returns a copy of the recorded calls.
func (f *RecordingFacade) Calls() []FacadeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]FacadeCall, len(f.calls))
	copy(out, f.calls)

	return out
}

// CallCount returns the number of recorded calls.
func (f *RecordingFacade) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

// Reset forgets recorded calls.
func (f *RecordingFacade) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// NetAssignments returns, per instance and rule id, assigns minus deallocates.
func (f *RecordingFacade) NetAssignments() map[string]map[types.RuleID]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	net := make(map[string]map[types.RuleID]int)
	for _, c := range f.calls {
		delta := 0
		switch c.Op {
		case "assign":
			delta = 1
		case "deallocate":
			delta = -1
		default:
			continue
		}
		row, ok := net[c.Instance]
		if !ok {
			row = make(map[types.RuleID]int)
			net[c.Instance] = row
		}
		for _, rid := range c.Rules {
			row[rid] += delta
		}
	}

	return net
}
