// Package postgres implements the relayer LeafStore on PostgreSQL, for
// deployments that keep the relayer state next to other services.
package postgres

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vocdoni/stx-mixer-relayer/storage"
	"github.com/vocdoni/stx-mixer-relayer/tree"
	"github.com/vocdoni/stx-mixer-relayer/util"
)

var ErrInvalidConfig = errors.New("storage/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.LeafStore = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

// Open connects to the database at dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidConfig)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/postgres: ping: %w", err)
	}
	s, err := New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Load(ctx context.Context) (*tree.Snapshot, *storage.Cursor, error) {
	var (
		depth  int
		count  int64
		cursor storage.Cursor
	)
	err := s.pool.QueryRow(ctx, `
		SELECT depth, leaf_count, last_txid, last_event_index, last_block_height, processed
		FROM relayer_meta
		WHERE id = 1
	`).Scan(&depth, &count, &cursor.LastTxID, &cursor.LastEventIndex, &cursor.LastBlockHeight, &cursor.Processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("storage/postgres: load meta: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT idx, commitment FROM relayer_leaves WHERE idx < $1 ORDER BY idx
	`, count)
	if err != nil {
		return nil, nil, fmt.Errorf("storage/postgres: load leaves: %w", err)
	}
	defer rows.Close()
	leaves := make([]string, 0, count)
	for rows.Next() {
		var (
			idx        int64
			commitment []byte
		)
		if err := rows.Scan(&idx, &commitment); err != nil {
			return nil, nil, fmt.Errorf("storage/postgres: scan leaf: %w", err)
		}
		if idx != int64(len(leaves)) {
			return nil, nil, fmt.Errorf("storage/postgres: missing leaf %d", len(leaves))
		}
		leaves = append(leaves, hex.EncodeToString(commitment))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage/postgres: load leaves: %w", err)
	}
	if int64(len(leaves)) != count {
		return nil, nil, fmt.Errorf("storage/postgres: meta has %d leaves, found %d", count, len(leaves))
	}
	return &tree.Snapshot{Depth: depth, Leaves: leaves}, &cursor, nil
}

func (s *Store) Save(ctx context.Context, snapshot *tree.Snapshot, cursor *storage.Cursor) error {
	if snapshot == nil {
		return fmt.Errorf("nil snapshot")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM relayer_leaves`); err != nil {
			return fmt.Errorf("storage/postgres: clear leaves: %w", err)
		}
		if err := insertLeaves(ctx, tx, snapshot.Leaves, 0); err != nil {
			return err
		}
		return upsertMeta(ctx, tx, snapshot.Depth, uint64(len(snapshot.Leaves)), cursor)
	})
}

func (s *Store) Append(ctx context.Context, depth int, leaves []string, from uint64, cursor *storage.Cursor) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			storedDepth int
			count       int64
		)
		err := tx.QueryRow(ctx, `SELECT depth, leaf_count FROM relayer_meta WHERE id = 1 FOR UPDATE`).
			Scan(&storedDepth, &count)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			storedDepth = depth
		case err != nil:
			return fmt.Errorf("storage/postgres: lock meta: %w", err)
		}
		if storedDepth != depth {
			return fmt.Errorf("%w: stored %d, got %d", tree.ErrDepthMismatch, storedDepth, depth)
		}
		if uint64(count) != from {
			return fmt.Errorf("%w: stored %d leaves, appending at %d", storage.ErrOutOfOrder, count, from)
		}
		if err := insertLeaves(ctx, tx, leaves, from); err != nil {
			return err
		}
		return upsertMeta(ctx, tx, depth, from+uint64(len(leaves)), cursor)
	})
}

func insertLeaves(ctx context.Context, tx pgx.Tx, leaves []string, from uint64) error {
	if len(leaves) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, leaf := range leaves {
		b, err := hex.DecodeString(util.TrimHex(leaf))
		if err != nil || len(b) != 32 {
			return fmt.Errorf("storage/postgres: invalid leaf %d", from+uint64(i))
		}
		batch.Queue(`INSERT INTO relayer_leaves (idx, commitment) VALUES ($1, $2)`, int64(from)+int64(i), b)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage/postgres: insert leaves: %w", err)
	}
	return nil
}

func upsertMeta(ctx context.Context, tx pgx.Tx, depth int, count uint64, cursor *storage.Cursor) error {
	if cursor == nil {
		cursor = &storage.Cursor{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO relayer_meta (id, depth, leaf_count, last_txid, last_event_index, last_block_height, processed, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE
		SET depth = EXCLUDED.depth,
			leaf_count = EXCLUDED.leaf_count,
			last_txid = EXCLUDED.last_txid,
			last_event_index = EXCLUDED.last_event_index,
			last_block_height = EXCLUDED.last_block_height,
			processed = EXCLUDED.processed,
			updated_at = now()
	`, depth, int64(count), cursor.LastTxID, int64(cursor.LastEventIndex), int64(cursor.LastBlockHeight), int64(cursor.Processed))
	if err != nil {
		return fmt.Errorf("storage/postgres: upsert meta: %w", err)
	}
	return nil
}
