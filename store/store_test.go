package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstream/core"
)

func stores(t *testing.T) map[string]BlockStore {
	t.Helper()

	sq, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]BlockStore{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				b := core.NewBlock("sess", core.BlockUserText, core.AuthorUser, core.TextPayload{Text: fmt.Sprintf("m%d", i)})
				b.Finalized = true
				stored, err := s.Append(ctx, b)
				require.NoError(t, err)
				assert.Equal(t, int64(i), stored.Sequence)
			}

			// Sequences are scoped per session.
			other := core.NewBlock("other", core.BlockUserText, core.AuthorUser, core.TextPayload{Text: "x"})
			stored, err := s.Append(ctx, other)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stored.Sequence)
		})
	}
}

func TestListSince(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				b := core.NewBlock("sess", core.BlockUserText, core.AuthorUser, core.TextPayload{Text: fmt.Sprintf("m%d", i)})
				b.Finalized = true
				_, err := s.Append(ctx, b)
				require.NoError(t, err)
			}

			all, err := s.List(ctx, "sess", -1)
			require.NoError(t, err)
			require.Len(t, all, 5)

			tail, err := s.List(ctx, "sess", 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, int64(3), tail[0].Sequence)
			assert.Equal(t, int64(4), tail[1].Sequence)
			assert.Equal(t, "m3", tail[0].Text())

			empty, err := s.List(ctx, "missing", -1)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestFinalize(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			b := core.NewBlock("sess", core.BlockAssistantText, core.AuthorAssistant, core.TextPayload{})
			stored, err := s.Append(ctx, b)
			require.NoError(t, err)
			assert.False(t, stored.Finalized)

			err = s.Finalize(ctx, "sess", stored.ID, core.TextPayload{Text: "done"})
			require.NoError(t, err)

			got, err := s.List(ctx, "sess", -1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.True(t, got[0].Finalized)
			assert.Equal(t, "done", got[0].Text())

			err = s.Finalize(ctx, "sess", stored.ID, core.TextPayload{Text: "again"})
			assert.ErrorIs(t, err, ErrBlockFinalized)

			err = s.Finalize(ctx, "sess", "no-such-block", core.TextPayload{})
			assert.ErrorIs(t, err, ErrBlockNotFound)
		})
	}
}

func TestConcurrentAppendsStayGapless(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 20

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b := core.NewBlock("sess", core.BlockUserText, core.AuthorUser, core.TextPayload{Text: "x"})
					_, err := s.Append(ctx, b)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			all, err := s.List(ctx, "sess", -1)
			require.NoError(t, err)
			require.Len(t, all, n)
			for i, b := range all {
				assert.Equal(t, int64(i), b.Sequence)
			}
		})
	}
}
