package moly

import (
	"errors"

	"github.com/DeepnessLab/moly/types"
)

// Sentinel errors returned by the Controller.
var (
	ErrNotFound       = types.ErrNotFound
	ErrAlreadyExists  = types.ErrAlreadyExists
	ErrNoCapacity     = types.ErrNoCapacity
	ErrStaleRule      = types.ErrStaleRule
	ErrAlreadyStarted = types.ErrAlreadyStarted
	ErrNotStarted     = types.ErrNotStarted
	ErrInvalidConfig  = types.ErrInvalidConfig

	// ErrFacadeRequired is returned when NewController is given a nil facade.
	ErrFacadeRequired = errors.New("instance facade is required")
)
