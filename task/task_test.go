package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstream/core"
)

func TestGenerationTextBuffer(t *testing.T) {
	g := New("sess", nil)

	g.BeginText("blk-1", 3)
	g.AppendText("Hel")
	g.AppendText("lo")

	snap, call := g.Snapshot()
	assert.Equal(t, "blk-1", snap.BlockID)
	assert.Equal(t, int64(3), snap.Sequence)
	assert.Equal(t, "Hello", snap.Text)
	assert.Nil(t, call)
	assert.True(t, g.HasOpenText())

	assert.Equal(t, "Hello", g.EndText())
	assert.False(t, g.HasOpenText())

	snap, _ = g.Snapshot()
	assert.Empty(t, snap.BlockID)
	assert.Empty(t, snap.Text)
}

func TestGenerationCallLifecycle(t *testing.T) {
	g := New("sess", nil)

	step := g.BeginCall("call-1", "web_search")
	assert.Equal(t, 1, step)

	g.AppendCallArgs(`{"query":`)
	g.AppendCallArgs(`"weather"}`)
	assert.Equal(t, `{"query":"weather"}`, g.CallArgs())

	_, call := g.Snapshot()
	require.NotNil(t, call)
	assert.Equal(t, "web_search", call.ToolName)
	assert.Equal(t, core.CallStreamingArgs, call.Status)
	assert.Equal(t, 1, call.Step)

	g.MarkCallExecuting()
	_, call = g.Snapshot()
	assert.Equal(t, core.CallExecuting, call.Status)

	g.CompleteCall()
	_, call = g.Snapshot()
	assert.Nil(t, call)

	assert.Equal(t, 2, g.BeginCall("call-2", "fetch"))
}

func TestGenerationCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := New("sess", cancel)

	assert.False(t, g.Cancelled())
	g.Cancel()
	assert.True(t, g.Cancelled())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled")
	}

	// Idempotent.
	g.Cancel()
	assert.True(t, g.Cancelled())
}

func TestGenerationFinishOnce(t *testing.T) {
	g := New("sess", nil)

	g.Finish(ReasonCompleted)
	g.Finish(ReasonError)

	<-g.Done()
	assert.Equal(t, ReasonCompleted, g.Reason())
}

func TestRegistrySingleActive(t *testing.T) {
	r := NewRegistry()

	g1, err := r.Start("sess", nil)
	require.NoError(t, err)

	_, err = r.Start("sess", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Other sessions are unaffected.
	_, err = r.Start("other", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	r.Release(g1)
	_, ok := r.Get("sess")
	assert.False(t, ok)

	g2, err := r.Start("sess", nil)
	require.NoError(t, err)

	// Releasing a stale generation must not evict the successor.
	r.Release(g1)
	current, ok := r.Get("sess")
	require.True(t, ok)
	assert.Same(t, g2, current)
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Cancel("missing"))

	g, err := r.Start("sess", nil)
	require.NoError(t, err)
	assert.True(t, r.Cancel("sess"))
	assert.True(t, g.Cancelled())

	// Cancel does not remove the entry; the loop releases on exit.
	_, ok := r.Get("sess")
	assert.True(t, ok)
}

func TestRegistrySweepStale(t *testing.T) {
	r := NewRegistry()

	old, err := r.Start("old", nil)
	require.NoError(t, err)
	old.Started = time.Now().Add(-2 * time.Hour)

	_, err = r.Start("fresh", nil)
	require.NoError(t, err)

	swept := r.SweepStale(time.Hour)
	assert.Equal(t, 1, swept)
	assert.True(t, old.Cancelled())

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}
