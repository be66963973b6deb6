package clickhouse

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"marketsim/internal/adapters/config"
	"marketsim/internal/adapters/postgres"
	"marketsim/pkg/errors"
)

// Client wraps ClickHouse connection
type Client struct {
	conn driver.Conn
}

// NewClient creates a new ClickHouse client
func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to clickhouse")
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, errors.Wrap(err, "failed to ping clickhouse")
	}

	return &Client{conn: conn}, nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() driver.Conn {
	return c.conn
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health checks ClickHouse connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// EnsureSchema runs every *.up.sql file in dir. The statements must be
// idempotent (CREATE ... IF NOT EXISTS); ClickHouse keeps no migration table.
func (c *Client) EnsureSchema(ctx context.Context, files fs.FS, dir string) error {
	names, err := postgres.PendingFiles(files, dir, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := fs.ReadFile(files, dir+"/"+name)
		if err != nil {
			return errors.Wrapf(err, "read schema %s", name)
		}
		if err := c.conn.Exec(ctx, string(content)); err != nil {
			return errors.Wrapf(err, "apply schema %s", name)
		}
	}
	return nil
}
