// Package store persists content blocks and owns sequence-number
// assignment. Implementations must hand out strictly increasing, gapless
// per-session sequence numbers regardless of caller concurrency.
package store

import (
	"context"
	"errors"

	"github.com/hupe1980/agentstream/core"
)

var (
	// ErrBlockNotFound is returned when a session/block pair does not exist.
	ErrBlockNotFound = errors.New("store: block not found")
	// ErrBlockFinalized is returned on attempts to mutate a finalized block.
	ErrBlockFinalized = errors.New("store: block already finalized")
)

// BlockStore is the append-only block log. Append assigns the sequence
// number and returns the stored block. Finalize replaces the payload of a
// non-finalized block and marks it immutable. List returns blocks with
// sequence numbers strictly greater than since, in ascending order; pass
// since = -1 for the full session.
type BlockStore interface {
	Append(ctx context.Context, block core.Block) (core.Block, error)
	Finalize(ctx context.Context, sessionID, blockID string, content core.Payload) error
	List(ctx context.Context, sessionID string, since int64) ([]core.Block, error)
}
