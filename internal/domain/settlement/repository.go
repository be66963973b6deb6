package settlement

import "context"

// Repository persists ledger entries. The store is the source of truth;
// armed timers are rebuilt from it on replay.
type Repository interface {
	// Upsert inserts or overwrites the entry with the same ID, keeping CreatedAt
	Upsert(ctx context.Context, entry *Entry) error
	// Delete returns errors.ErrNotFound when id is absent
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
}
