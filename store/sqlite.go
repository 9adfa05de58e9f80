package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentstream/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS content_blocks (
	id              TEXT    NOT NULL,
	session_id      TEXT    NOT NULL,
	seq             INTEGER NOT NULL,
	block_type      TEXT    NOT NULL,
	author          TEXT    NOT NULL,
	content         TEXT    NOT NULL,
	parent_block_id TEXT    NOT NULL DEFAULT '',
	finalized       INTEGER NOT NULL,
	created_at      TEXT    NOT NULL,
	PRIMARY KEY (session_id, seq),
	UNIQUE (session_id, id)
);
`

// SQLite is a durable BlockStore on a local sqlite database. Appends are
// serialized by an internal mutex so sequence allocation stays gapless even
// if callers violate the single-writer convention.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

var _ BlockStore = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// The sqlite driver does not support concurrent writers on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Append allocates the next sequence number for the session and inserts the
// block, both inside one transaction.
func (s *SQLite) Append(ctx context.Context, block core.Block) (core.Block, error) {
	content, err := json.Marshal(block.Content)
	if err != nil {
		return core.Block{}, fmt.Errorf("encode block content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Block{}, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM content_blocks WHERE session_id = ?`,
		block.SessionID,
	).Scan(&seq)
	if err != nil {
		return core.Block{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO content_blocks
		 (id, session_id, seq, block_type, author, content, parent_block_id, finalized, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.ID, block.SessionID, seq, string(block.Type), string(block.Author),
		string(content), block.ParentID, boolToInt(block.Finalized),
		block.Created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Block{}, err
	}

	block.Sequence = seq
	return block, nil
}

// Finalize sets the payload of a non-finalized block and marks it immutable.
func (s *SQLite) Finalize(ctx context.Context, sessionID, blockID string, content core.Payload) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode block content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE content_blocks SET content = ?, finalized = 1
		 WHERE session_id = ? AND id = ? AND finalized = 0`,
		string(data), sessionID, blockID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_blocks WHERE session_id = ? AND id = ?`,
		sessionID, blockID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrBlockNotFound
	}
	return ErrBlockFinalized
}

// List returns blocks with sequence numbers greater than since, ascending.
func (s *SQLite) List(ctx context.Context, sessionID string, since int64) ([]core.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, block_type, author, content, parent_block_id, finalized, created_at
		 FROM content_blocks WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Block
	for rows.Next() {
		var (
			b         core.Block
			typ       string
			author    string
			content   string
			finalized int
			created   string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Sequence, &typ, &author, &content, &b.ParentID, &finalized, &created); err != nil {
			return nil, err
		}
		b.Type = core.BlockType(typ)
		b.Author = core.Author(author)
		b.Finalized = finalized != 0

		payload, err := core.DecodePayload(b.Type, []byte(content))
		if err != nil {
			return nil, fmt.Errorf("decode block %s: %w", b.ID, err)
		}
		b.Content = payload

		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			b.Created = t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
