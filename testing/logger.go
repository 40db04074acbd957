package testing

import (
	"testing"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/types"
)

// NewTestLogger returns a logger that writes through t.Logf so that log
// lines appear next to the test that produced them.
func NewTestLogger(t *testing.T) types.Logger {
	return logger.NewTest(t)
}
