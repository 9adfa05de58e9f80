package store

import (
	"context"
	"sync"

	"github.com/hupe1980/agentstream/core"
)

// Memory is an in-process BlockStore. Suitable for tests, examples and
// single-node deployments that do not need durability.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string][]core.Block
}

var _ BlockStore = (*Memory)(nil)

// NewMemory creates an empty in-memory block store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[string][]core.Block)}
}

// Append assigns the next sequence number for the block's session and
// stores the block.
func (m *Memory) Append(_ context.Context, block core.Block) (core.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocks[block.SessionID]
	block.Sequence = int64(len(blocks))
	m.blocks[block.SessionID] = append(blocks, block)

	return block, nil
}

// Finalize sets the payload of a non-finalized block and marks it immutable.
func (m *Memory) Finalize(_ context.Context, sessionID, blockID string, content core.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocks[sessionID]
	for i := range blocks {
		if blocks[i].ID != blockID {
			continue
		}
		if blocks[i].Finalized {
			return ErrBlockFinalized
		}
		blocks[i].Content = content
		blocks[i].Finalized = true
		return nil
	}
	return ErrBlockNotFound
}

// List returns blocks with sequence numbers greater than since, ascending.
func (m *Memory) List(_ context.Context, sessionID string, since int64) ([]core.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := m.blocks[sessionID]
	out := make([]core.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Sequence > since {
			out = append(out, b)
		}
	}
	return out, nil
}
