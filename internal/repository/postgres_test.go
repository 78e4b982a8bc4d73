package repository_test

import (
	"context"
	"os"
	"testing"

	"stk-payment-service/internal/domain"
	"stk-payment-service/internal/repository"
	"stk-payment-service/internal/repository/repositorytest"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Runs only against a real database: TEST_DATABASE_URL=postgres://...
func TestLedgerPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := repository.ConnectDB(ctx, dsn, 10, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, repository.Migrate(ctx, pool))

	repositorytest.Run(t, func(t *testing.T) repositorytest.Stores {
		truncate(t, pool)
		return repositorytest.Stores{
			Orders:       repository.NewOrderRepository(pool),
			Transactions: repository.NewTransactionRepository(pool),
			Issues:       repository.NewReconciliationRepository(pool),
			ForcePaymentStatus: func(t *testing.T, id domain.OrderID, status domain.PaymentStatus) {
				_, err := pool.Exec(context.Background(), `UPDATE orders SET payment_status = $2 WHERE id = $1`, id, status)
				require.NoError(t, err)
			},
		}
	})
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	_, err := pool.Exec(context.Background(), `
		TRUNCATE reconciliation_issues, order_status_history, payment_transactions, orders RESTART IDENTITY
	`)
	require.NoError(t, err)
}
