package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagegate/internal/ledger"
	"github.com/lucasnoah/stagegate/internal/ledger/storetest"
)

func TestConformance(t *testing.T) {
	dsn := os.Getenv("STAGEGATE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("STAGEGATE_TEST_PG_DSN not set")
	}
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) ledger.Store {
			ctx := context.Background()
			s, err := Open(ctx, dsn)
			require.NoError(t, err)
			require.NoError(t, s.Truncate(ctx))
			return s
		},
		Reopen: func(t *testing.T, old ledger.Store) ledger.Store {
			require.NoError(t, old.Close())
			s, err := Open(context.Background(), dsn)
			require.NoError(t, err)
			return s
		},
	})
}
