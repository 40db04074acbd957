package rules

import (
	"sync/atomic"

	"github.com/DeepnessLab/moly/types"
)

// IDGenerator issues internal rule ids.
//
// Implementations must return strictly increasing ids and never reuse one.
type IDGenerator interface {
	Next() types.RuleID
}

// Sequence is the default IDGenerator: an atomic counter starting at 1.
type Sequence struct {
	last atomic.Uint64
}

var _ IDGenerator = (*Sequence)(nil)

// NewSequence creates a sequence whose first id is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceFrom creates a sequence whose first id is last+1.
//
// Useful when restoring from a snapshot so that ids are not reissued.
func NewSequenceFrom(last types.RuleID) *Sequence {
	s := &Sequence{}
	s.last.Store(uint64(last))

	return s
}

// Next returns the next id.
func (s *Sequence) Next() types.RuleID {
	return types.RuleID(s.last.Add(1))
}
