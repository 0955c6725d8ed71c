// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Interstation-Research/shaman/internal/logging"
)

func TestOpenInMemoryAppliesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"accounts", "shamans", "shaman_logs", "sale_state"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}

	require.NoError(t, NewHealthChecker(db).Check(ctx))
}

func TestSchemaIsIdempotentOnFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := Open(ctx, path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, db, logging.Discard()))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	var sold int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT sold FROM sale_state WHERE id=1`).Scan(&sold))
	require.Equal(t, int64(0), sold)
}

func TestLogsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	defer db.Close()

	id := make([]byte, 32)
	creator := make([]byte, 20)
	_, err = db.ExecContext(ctx,
		`INSERT INTO shamans (id, creator, created_at, balance, metadata_ref, log_seq) VALUES (?, ?, 0, 1, 'ref', 1)`,
		id, creator)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO shaman_logs (id, shaman_id, seq, log_type, amount, created_at) VALUES (?, ?, 1, 'DEPOSIT', 1, 0)`,
		id, id)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE shaman_logs SET amount = 5`)
	require.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM shaman_logs`)
	require.Error(t, err)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "  ", nil)
	require.Error(t, err)
}
