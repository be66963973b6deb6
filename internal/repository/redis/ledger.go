package redis

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"

	"marketsim/internal/domain/settlement"
	"marketsim/internal/metrics"
	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

var _ settlement.Repository = (*LedgerRepository)(nil)

// LedgerRepository keeps every schedule entry as a field of one hash,
// keyed by identification code
type LedgerRepository struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

// NewLedgerRepository creates a ledger stored under metrics.LedgerHashKey
func NewLedgerRepository(client *redis.Client) *LedgerRepository {
	return &LedgerRepository{
		client: client,
		key:    metrics.LedgerHashKey,
		log:    logger.Get().With("component", "ledger_repository"),
	}
}

// Upsert writes the entry, keeping the stored CreatedAt when overwriting.
// The read-modify-write runs under WATCH so a concurrent writer forces a retry.
func (r *LedgerRepository) Upsert(ctx context.Context, entry *settlement.Entry) error {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			stored := *entry
			existing, err := tx.HGet(ctx, r.key, entry.ID).Bytes()
			switch {
			case err == nil:
				var prev settlement.Entry
				if json.Unmarshal(existing, &prev) == nil {
					stored.CreatedAt = prev.CreatedAt
				}
			case err != redis.Nil:
				return err
			}

			data, err := json.Marshal(stored)
			if err != nil {
				return errors.Wrapf(err, "failed to marshal ledger entry %s", entry.ID)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, r.key, entry.ID, data)
				return nil
			})
			return err
		}, r.key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to upsert ledger entry %s", entry.ID)
		}
		return nil
	}
	return errors.Wrapf(errors.ErrConflict, "ledger entry %s kept changing", entry.ID)
}

// Delete removes the entry, ErrNotFound when absent
func (r *LedgerRepository) Delete(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to delete ledger entry %s", id)
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	return nil
}

// Get retrieves one entry
func (r *LedgerRepository) Get(ctx context.Context, id string) (*settlement.Entry, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "ledger entry %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get ledger entry %s", id)
	}

	var entry settlement.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal ledger entry %s", id)
	}
	return &entry, nil
}

// List returns all decodable entries ordered by id
func (r *LedgerRepository) List(ctx context.Context) ([]*settlement.Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}

	entries := make([]*settlement.Entry, 0, len(fields))
	for id, data := range fields {
		var entry settlement.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			r.log.Warnw("Skipping undecodable ledger entry", "id", id, "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}
