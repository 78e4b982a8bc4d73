package sqlite

import (
	"database/sql"
	"testing"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository/repositorytest"

	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) repositorytest.Stores {
	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return repositorytest.Stores{
		Orders:       NewOrderRepository(db),
		Transactions: NewTransactionRepository(db),
		Issues:       NewReconciliationRepository(db),
		ForcePaymentStatus: func(t *testing.T, id domain.OrderID, status domain.PaymentStatus) {
			forceStatus(t, db, id, status)
		},
	}
}

func forceStatus(t *testing.T, db *sql.DB, id domain.OrderID, status domain.PaymentStatus) {
	_, err := db.Exec(`UPDATE orders SET payment_status = ? WHERE id = ?`, string(status), int64(id))
	require.NoError(t, err)
}

func TestLedger(t *testing.T) {
	repositorytest.Run(t, newStores)
}

func TestInitDBOnDisk(t *testing.T) {
	path := t.TempDir() + "/ledger.db"

	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening an existing file keeps the schema.
	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'payment_transactions'`).Scan(&n))
	require.Equal(t, 1, n)
}
