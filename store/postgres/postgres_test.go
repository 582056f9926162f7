package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/storetest"
)

// open connects to TEST_DATABASE_URL and empties every table. Never point it
// at a live database.
func open(t *testing.T) commission.TxStore {
	t.Helper()
	_ = godotenv.Load("../../.env")

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	ctx := context.Background()
	st, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.pool.Exec(ctx, `
		TRUNCATE TABLE audit_log, sale_kinds, rates, transactions,
			sale_modifications, sales, periods RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return st
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, open)
}
