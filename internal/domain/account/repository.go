package account

import "context"

// Repository defines the interface for account document access
type Repository interface {
	Create(ctx context.Context, account *Account) error
	// Get returns errors.ErrNotFound for unknown ids
	Get(ctx context.Context, id string) (*Account, error)
	// Save writes the document if the stored version equals account.Version,
	// then bumps account.Version. Returns errors.ErrConflict otherwise.
	Save(ctx context.Context, account *Account) error
}
