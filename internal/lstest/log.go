package lstest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger that writes through t.Log,
// so that log output is associated with the correct (sub)test.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}
