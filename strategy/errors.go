package strategy

import "errors"

// ErrNotBound is returned when a strategy is used before a ledger was bound.
var ErrNotBound = errors.New("strategy is not bound to a ledger")
