// Package rules implements the rule store: per-middlebox rule ownership and
// system-wide pattern interning.
//
// Every distinct (pattern, is_regex) pair submitted by any middlebox maps to
// exactly one InternalRule. The InternalRule lives as long as at least one
// middlebox holds a rule with its pattern; once the last owner lets go it is
// retired, and a later submission of the same pattern mints a new id.
//
// The Store is not safe for concurrent use. The Controller owns it from its
// event loop.
package rules
