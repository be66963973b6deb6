package testsupport

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresTransactionIsRolledBack(t *testing.T) {
	helper := NewTestPostgres(t)
	tx := helper.Tx()

	_, err := tx.Exec(`INSERT INTO schedule_entries (identification_code, subject, command)
		VALUES ('rollback:loan_repayment:1', 'rollback', '{"kind":"loan_repayment","payload":{}}')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, tx.QueryRow("SELECT COUNT(*) FROM schedule_entries WHERE subject = 'rollback'").Scan(&count))
	assert.Equal(t, 1, count)

	helper.Rollback()

	// The row is gone; the table itself may only have existed inside the transaction
	var exists sql.NullString
	err = helper.DB().QueryRowContext(context.Background(), "SELECT to_regclass('public.schedule_entries')").Scan(&exists)
	require.NoError(t, err)
	if !exists.Valid {
		return
	}

	err = helper.DB().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM schedule_entries WHERE subject = 'rollback'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
