package rules

import (
	"fmt"
	"maps"
	"slices"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/types"
)

// Store tracks which middlebox holds which rules and interns their patterns.
type Store struct {
	logger types.Logger
	ids    IDGenerator

	middleboxes map[string]*middleboxEntry
	order       []string

	patterns map[types.RulePattern]*patternEntry
}

type middleboxEntry struct {
	mb    types.Middlebox
	rules map[int]types.MatchRule
}

// patternEntry is one interned pattern. owners counts, per middlebox, how many
// of its rules carry the pattern; a middlebox is an owner while its count is
// positive.
type patternEntry struct {
	rule   types.InternalRule
	owners map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for stale rule references.
func WithLogger(l types.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithIDGenerator replaces the default id sequence.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// NewStore creates an empty rule store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:      logger.NewNop(),
		ids:         NewSequence(),
		middleboxes: make(map[string]*middleboxEntry),
		patterns:    make(map[types.RulePattern]*patternEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ types.RuleSource = (*Store)(nil)

// RegisterMiddlebox adds mb with an empty rule set.
//
// Returns false if a middlebox with the same id is already registered.
func (s *Store) RegisterMiddlebox(mb types.Middlebox) bool {
	if _, ok := s.middleboxes[mb.ID]; ok {
		return false
	}

	s.middleboxes[mb.ID] = &middleboxEntry{mb: mb, rules: make(map[int]types.MatchRule)}
	s.order = append(s.order, mb.ID)

	return true
}

// DeregisterMiddlebox removes a middlebox together with all its rules.
//
// Returns the internal rules that lost their last owner.
func (s *Store) DeregisterMiddlebox(mbID string) ([]types.InternalRule, error) {
	entry, err := s.entry(mbID)
	if err != nil {
		return nil, err
	}

	var retired []types.InternalRule
	for _, rid := range slices.Sorted(maps.Keys(entry.rules)) {
		if r, ok := s.release(mbID, entry.rules[rid]); ok {
			retired = append(retired, r)
		}
	}

	delete(s.middleboxes, mbID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == mbID })

	return types.SortRules(retired), nil
}

// AddRules stores rules for a middlebox, a rule with a known RID overwriting
// the previous one.
//
// Returns the deduplicated internal rules covering the middlebox's entire
// current rule set, ordered by id.
func (s *Store) AddRules(mbID string, rules []types.MatchRule) ([]types.InternalRule, error) {
	entry, err := s.entry(mbID)
	if err != nil {
		return nil, err
	}

	for _, r := range rules {
		if old, ok := entry.rules[r.RID]; ok {
			if old.Key() == r.Key() {
				continue
			}
			if retired, ok := s.release(mbID, old); ok {
				s.logger.Debug("overwritten rule retired pattern",
					"middlebox", mbID, "rid", r.RID, "rule", retired.String())
			}
		}
		entry.rules[r.RID] = r
		s.acquire(mbID, r)
	}

	return s.internalRules(entry), nil
}

// RemoveRules removes the rules with the given RIDs from a middlebox.
//
// RIDs the middlebox does not hold are logged and skipped. Returns the
// internal rules that lost their last owner, ordered by id.
func (s *Store) RemoveRules(mbID string, rids []int) ([]types.InternalRule, error) {
	entry, err := s.entry(mbID)
	if err != nil {
		return nil, err
	}

	var retired []types.InternalRule
	for _, rid := range rids {
		r, ok := entry.rules[rid]
		if !ok {
			s.logger.Warn("ignoring rule removal",
				"middlebox", mbID, "rid", rid, "error", types.ErrStaleRule)

			continue
		}
		delete(entry.rules, rid)
		if ir, ok := s.release(mbID, r); ok {
			retired = append(retired, ir)
		}
	}

	return types.SortRules(retired), nil
}

// Superseded returns the stored rules that rules would overwrite with a
// different pattern.
//
// Callers retire these through RemoveRules before AddRules so that retired
// patterns can be withdrawn from service instances.
func (s *Store) Superseded(mbID string, rules []types.MatchRule) []types.MatchRule {
	entry, ok := s.middleboxes[mbID]
	if !ok {
		return nil
	}

	seen := make(map[int]struct{})
	var result []types.MatchRule
	for _, r := range rules {
		old, ok := entry.rules[r.RID]
		if !ok || old.Key() == r.Key() {
			continue
		}
		if _, dup := seen[r.RID]; dup {
			continue
		}
		seen[r.RID] = struct{}{}
		result = append(result, old)
	}

	return result
}

// MatchRules returns the deduplicated internal rules of a middlebox, ordered by id.
func (s *Store) MatchRules(mbID string) ([]types.InternalRule, error) {
	entry, err := s.entry(mbID)
	if err != nil {
		return nil, err
	}

	return s.internalRules(entry), nil
}

// MatchRulesByRID returns the stored rules of a middlebox for the given RIDs.
//
// Unknown RIDs are skipped.
func (s *Store) MatchRulesByRID(mbID string, rids []int) ([]types.MatchRule, error) {
	entry, err := s.entry(mbID)
	if err != nil {
		return nil, err
	}

	result := make([]types.MatchRule, 0, len(rids))
	for _, rid := range rids {
		if r, ok := entry.rules[rid]; ok {
			result = append(result, r)
		}
	}

	return result, nil
}

// Middlebox returns a registered middlebox by id.
func (s *Store) Middlebox(id string) (types.Middlebox, bool) {
	entry, ok := s.middleboxes[id]
	if !ok {
		return types.Middlebox{}, false
	}

	return entry.mb, true
}

// Middleboxes returns all registered middleboxes in registration order.
func (s *Store) Middleboxes() []types.Middlebox {
	result := make([]types.Middlebox, len(s.order))
	for i, id := range s.order {
		result[i] = s.middleboxes[id].mb
	}

	return result
}

// Patterns returns every interned pattern in sorted order.
func (s *Store) Patterns() []types.RulePattern {
	return slices.SortedFunc(maps.Keys(s.patterns), types.RulePattern.Compare)
}

// Owners returns the ids of the middleboxes holding a pattern, sorted.
func (s *Store) Owners(p types.RulePattern) []string {
	entry, ok := s.patterns[p]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(entry.owners))
}

func (s *Store) entry(mbID string) (*middleboxEntry, error) {
	entry, ok := s.middleboxes[mbID]
	if !ok {
		return nil, fmt.Errorf("middlebox %q: %w", mbID, types.ErrNotFound)
	}

	return entry, nil
}

// acquire records that mbID holds one more rule with r's pattern, minting an
// internal rule for a pattern seen for the first time.
func (s *Store) acquire(mbID string, r types.MatchRule) {
	key := r.Key()
	p, ok := s.patterns[key]
	if !ok {
		p = &patternEntry{
			rule:   types.InternalRule{ID: s.ids.Next(), Pattern: r.Pattern, IsRegex: r.IsRegex},
			owners: make(map[string]int),
		}
		s.patterns[key] = p
	}
	p.owners[mbID]++
}

// release drops one hold of mbID on r's pattern. It returns the internal rule
// and true when the pattern lost its last owner and was retired.
func (s *Store) release(mbID string, r types.MatchRule) (types.InternalRule, bool) {
	key := r.Key()
	p, ok := s.patterns[key]
	if !ok {
		return types.InternalRule{}, false
	}

	p.owners[mbID]--
	if p.owners[mbID] > 0 {
		return types.InternalRule{}, false
	}
	delete(p.owners, mbID)
	if len(p.owners) > 0 {
		return types.InternalRule{}, false
	}
	delete(s.patterns, key)

	return p.rule, true
}

func (s *Store) internalRules(entry *middleboxEntry) []types.InternalRule {
	result := make([]types.InternalRule, 0, len(entry.rules))
	for _, r := range entry.rules {
		result = append(result, s.patterns[r.Key()].rule)
	}

	return types.DedupRules(types.SortRules(result))
}
