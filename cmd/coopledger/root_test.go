package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/store/sqlite"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := rootCommand()
	cmd.SetArgs(append(args, "--log-level=error", "--log-format=text"))
	return cmd.Execute()
}

func TestMigrate_CreatesOneDatabasePerCoop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	require.NoError(t, run(t, "migrate", "--data-dir="+dir, "--coops=north,south"))

	for _, coop := range []string{"north", "south"} {
		s, err := sqlite.New(filepath.Join(dir, coop+".db"))
		require.NoError(t, err)
		version, err := s.SchemaVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, sqlite.LatestVersion(), version)
		require.NoError(t, s.Close())
	}
}

func TestCheck_FailsOnAnomalies(t *testing.T) {
	dir := t.TempDir()

	// GIVEN: freshly migrated, empty ledgers
	require.NoError(t, run(t, "check", "--data-dir="+dir, "--coops=north"))

	// WHEN: a correction points at a row that does not exist
	s, err := sqlite.New(filepath.Join(dir, "north.db"))
	require.NoError(t, err)
	_, err = s.Insert(context.Background(), &ledger.AccountingEntry{
		Header:  ledger.Header{Status: ledger.StatusCorrection, CorrectionOf: ledger.RowID(9).Ptr()},
		EntryOn: ledger.Date(2025, 3, 1),
		Type:    ledger.EntryDepense,
		Amount:  decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// THEN: check exits with an error
	err = run(t, "check", "--data-dir="+dir, "--coops=north")
	assert.ErrorIs(t, err, errAnomalies)
}

func TestRoot_RejectsInvalidConfig(t *testing.T) {
	err := run(t, "migrate", "--data-dir="+t.TempDir(), "--coops=Not A Coop")
	assert.Error(t, err)
}
