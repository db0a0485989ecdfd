package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Journal entry kinds.
const (
	KindTick    = "tick"
	KindFlush   = "flush"
	KindDestroy = "destroy"
)

// JournalEntry is one row of the tick journal.
type JournalEntry struct {
	Tick      uint64
	Kind      string
	Wave      int
	EntityID  *uint64 // destroy entries only
	Created   int
	Destroyed int
	Added     int
	Combined  int
	Removed   int
	Duration  time.Duration
	Entities  int
}

type JournalRepo struct {
	db *DB
}

func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

// WriteBatch atomically writes a batch of entries in a single transaction.
func (r *JournalRepo) WriteBatch(ctx context.Context, entries []JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		var entity *int64
		if e.EntityID != nil {
			v := int64(*e.EntityID)
			entity = &v
		}
		batch.Queue(
			`INSERT INTO tick_journal (tick, kind, wave, entity_id, created, destroyed, added, combined, removed, duration_ns, entities)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			int64(e.Tick), e.Kind, e.Wave, entity,
			e.Created, e.Destroyed, e.Added, e.Combined, e.Removed,
			e.Duration.Nanoseconds(), e.Entities,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}

	return tx.Commit(ctx)
}

// LastTick returns the highest journaled tick, or 0 for an empty journal.
func (r *JournalRepo) LastTick(ctx context.Context) (uint64, error) {
	var tick int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(tick), 0) FROM tick_journal`,
	).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("journal last tick: %w", err)
	}
	return uint64(tick), nil
}

// Prune deletes entries older than the given tick.
func (r *JournalRepo) Prune(ctx context.Context, beforeTick uint64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM tick_journal WHERE tick < $1`, int64(beforeTick),
	)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
