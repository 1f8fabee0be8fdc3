package api

import (
	"context"
	"testing"
)

// testContext returns a context that is canceled when the test finishes,
// matching testing.T.Context on toolchains that predate it.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
