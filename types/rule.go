package types

import (
	"cmp"
	"fmt"
	"slices"
)

// MatchRule is a rule as submitted by a middlebox.
//
// RID is only meaningful inside the namespace of the middlebox that owns the
// rule: two middleboxes may reuse the same RID for unrelated patterns.
type MatchRule struct {
	Pattern string `json:"pattern"`
	IsRegex bool   `json:"is_regex"`
	RID     int    `json:"rid"`
}

// Key returns the deduplication key of the rule.
func (r MatchRule) Key() RulePattern {
	return RulePattern{Pattern: r.Pattern, IsRegex: r.IsRegex}
}

// RulePattern is the system-wide deduplication key of a rule.
type RulePattern struct {
	Pattern string `json:"pattern"`
	IsRegex bool   `json:"is_regex"`
}

// Compare orders patterns by pattern text, literal patterns first.
func (p RulePattern) Compare(q RulePattern) int {
	if c := cmp.Compare(p.Pattern, q.Pattern); c != 0 {
		return c
	}
	switch {
	case p.IsRegex == q.IsRegex:
		return 0
	case !p.IsRegex:
		return -1
	default:
		return 1
	}
}

// RuleID is the globally unique identifier of an InternalRule.
//
// IDs are issued in increasing order and never reused, not even for a
// pattern that is retired and later submitted again.
type RuleID uint64

// InternalRule is the canonical, deduplicated form of a pattern.
//
// Exactly one InternalRule exists per distinct RulePattern while at least one
// middlebox holds a rule with that pattern.
type InternalRule struct {
	ID      RuleID `json:"rid"`
	Pattern string `json:"pattern"`
	IsRegex bool   `json:"is_regex"`
}

// Key returns the deduplication key of the rule.
func (r InternalRule) Key() RulePattern {
	return RulePattern{Pattern: r.Pattern, IsRegex: r.IsRegex}
}

// String returns a compact representation for logging.
func (r InternalRule) String() string {
	return fmt.Sprintf("rule#%d(%q regex=%t)", r.ID, r.Pattern, r.IsRegex)
}

// RuleIDs returns the IDs of the given rules, preserving order.
func RuleIDs(rules []InternalRule) []RuleID {
	ids := make([]RuleID, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}

	return ids
}

// DedupRules removes duplicate rules (by ID), keeping the first occurrence.
func DedupRules(rules []InternalRule) []InternalRule {
	seen := make(map[RuleID]struct{}, len(rules))
	result := make([]InternalRule, 0, len(rules))
	for _, r := range rules {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		result = append(result, r)
	}

	return result
}

// SortRules sorts rules by ID in place and returns the slice.
func SortRules(rules []InternalRule) []InternalRule {
	slices.SortFunc(rules, func(a, b InternalRule) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return rules
}
