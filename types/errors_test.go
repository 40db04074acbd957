package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("wrapped errors keep identity", func(t *testing.T) {
		wrapped := fmt.Errorf("middlebox mb-1: %w", ErrNotFound)
		require.ErrorIs(t, wrapped, ErrNotFound)
		require.NotErrorIs(t, wrapped, ErrAlreadyExists)
	})

	t.Run("all errors are distinct", func(t *testing.T) {
		allErrors := []error{
			ErrNotFound,
			ErrAlreadyExists,
			ErrNoCapacity,
			ErrStaleRule,
			ErrAlreadyStarted,
			ErrNotStarted,
			ErrInvalidConfig,
		}

		for i, err1 := range allErrors {
			for j, err2 := range allErrors {
				if i == j {
					require.True(t, errors.Is(err1, err2), "error should equal itself: %v", err1)
				} else {
					require.False(t, errors.Is(err1, err2), "errors should be distinct: %v vs %v", err1, err2)
				}
			}
		}
	})
}
