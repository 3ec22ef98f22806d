// Package repotest opens a throwaway SQLite repository for tests.
package repotest

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/repository"
)

// New returns a migrated repository backed by a file in t.TempDir. The
// pool holds one connection so concurrent transactions queue.
func New(t testing.TB) *repository.Repository {
	t.Helper()
	db, err := repository.Open(repository.Config{
		Driver:       "sqlite",
		DSN:          "file:" + filepath.Join(t.TempDir(), "tabs.db") + "?_pragma=busy_timeout(5000)",
		Logger:       zerolog.Nop(),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	repo := repository.New(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// Fixture is a store with a tab awaiting payment.
type Fixture struct {
	Store *models.Store
	Tab   *models.Tab
}

// SeedTab creates a store and a PENDING_PAYMENT tab totalling total.
func SeedTab(t testing.TB, repo *repository.Repository, total string) Fixture {
	t.Helper()
	ctx := t.Context()
	store := &models.Store{
		Name:             "Harbor Noodle Bar",
		WalletAddress:    "0x000000000000000000000000000000000000bEEF",
		SVMWalletAddress: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
	}
	require.NoError(t, repo.CreateStore(ctx, store))
	tab := &models.Tab{
		StoreID: store.ID,
		Status:  models.TabPendingPayment,
		Total:   decimal.RequireFromString(total),
	}
	require.NoError(t, repo.CreateTab(ctx, tab))
	return Fixture{Store: store, Tab: tab}
}
