package agentmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestManager_DisposeAll_StopsSweepLoop confirms NewManager's background
// sweepLoop goroutine (spec.md §4.3) actually exits on DisposeAll instead of
// leaking past the test that created it.
func TestManager_DisposeAll_StopsSweepLoop(t *testing.T) {
	m := newTestManager()
	assert.NoError(t, m.DisposeAll(context.Background()))
}
