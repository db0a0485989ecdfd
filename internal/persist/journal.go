package persist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tickforge/engine/internal/core/event"
)

// BatchWriter stores journal entries. *JournalRepo is the production
// implementation.
type BatchWriter interface {
	WriteBatch(ctx context.Context, entries []JournalEntry) error
}

// Journal turns runner events into journal entries. Handlers run on the
// ticking goroutine during bus dispatch; the driver calls Flush between
// ticks once Ready reports a full batch.
type Journal struct {
	w         BatchWriter
	batchSize int
	pending   []JournalEntry
	written   uint64
	log       *zap.Logger
}

func NewJournal(w BatchWriter, batchSize int, log *zap.Logger) *Journal {
	batchSize = max(batchSize, 1)
	return &Journal{
		w:         w,
		batchSize: batchSize,
		pending:   make([]JournalEntry, 0, batchSize),
		log:       log,
	}
}

// Subscribe attaches the journal to a runner's bus.
func (j *Journal) Subscribe(b *event.Bus) {
	event.Subscribe(b, func(ev event.TickCompleted) {
		j.pending = append(j.pending, JournalEntry{
			Tick:     ev.Tick,
			Kind:     KindTick,
			Wave:     ev.Waves,
			Duration: ev.Duration,
			Entities: ev.Entities,
		})
	})
	event.Subscribe(b, func(ev event.WaveFlushed) {
		j.pending = append(j.pending, JournalEntry{
			Tick:      ev.Tick,
			Kind:      KindFlush,
			Wave:      ev.Wave,
			Created:   ev.Created,
			Destroyed: ev.Destroyed,
			Added:     ev.Added,
			Combined:  ev.Combined,
			Removed:   ev.Removed,
		})
	})
	event.Subscribe(b, func(ev event.EntityDestroyed) {
		id := uint64(ev.EntityID)
		j.pending = append(j.pending, JournalEntry{
			Tick:     ev.Tick,
			Kind:     KindDestroy,
			EntityID: &id,
		})
	})
}

func (j *Journal) Pending() int    { return len(j.pending) }
func (j *Journal) Written() uint64 { return j.written }

// Ready reports whether a full batch is waiting.
func (j *Journal) Ready() bool { return len(j.pending) >= j.batchSize }

// Flush writes every pending entry in batches of batchSize. Entries of a
// failed batch stay pending.
func (j *Journal) Flush(ctx context.Context) error {
	for len(j.pending) > 0 {
		n := min(len(j.pending), j.batchSize)
		if err := j.w.WriteBatch(ctx, j.pending[:n]); err != nil {
			return fmt.Errorf("flush journal: %w", err)
		}
		j.written += uint64(n)
		j.pending = append(j.pending[:0], j.pending[n:]...)
		j.log.Debug("journal batch written", zap.Int("entries", n), zap.Uint64("total", j.written))
	}
	return nil
}
