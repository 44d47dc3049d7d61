package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/store"
)

func TestOpenDB(t *testing.T) {
	t.Run("InMemory", func(t *testing.T) {
		database, err := OpenInMemoryDB(true)
		require.NoError(t, err)
		defer database.Close()

		for _, model := range schemaModels {
			assert.True(t, database.Client().Migrator().HasTable(model))
		}
	})

	t.Run("FileCreatesDirectory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		database, err := OpenFileDB(dir, "issuance.db", true)
		require.NoError(t, err)
		defer database.Close()

		require.FileExists(t, filepath.Join(dir, "issuance.db"))

		var mode string
		require.NoError(t, database.Client().Raw("PRAGMA journal_mode").Scan(&mode).Error)
		assert.Equal(t, "wal", mode)
	})

	t.Run("WithoutMigration", func(t *testing.T) {
		database, err := OpenInMemoryDB(false)
		require.NoError(t, err)
		defer database.Close()

		assert.False(t, database.Client().Migrator().HasTable(&store.Event{}))
	})
}

func TestUniqueIssuanceKey(t *testing.T) {
	database, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	rec := store.IssuanceRecord{EventID: 1, Wallet: "0xabc", Class: string(store.ClassPoA), Status: string(store.StatusRegistered)}
	require.NoError(t, database.Client().Create(&rec).Error)

	dup := store.IssuanceRecord{EventID: 1, Wallet: "0xabc", Class: string(store.ClassPoA), Status: string(store.StatusRegistered)}
	require.Error(t, database.Client().Create(&dup).Error)

	other := store.IssuanceRecord{EventID: 1, Wallet: "0xabc", Class: string(store.ClassCertificate), Status: string(store.StatusRegistered)}
	require.NoError(t, database.Client().Create(&other).Error)
}

func TestAttemptArchiver(t *testing.T) {
	database, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	now := time.Now()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-30 * time.Minute)

	attempts := []store.BulkOperationAttempt{
		{TxHash: "0x111", EventID: 1, Kind: string(store.KindPoAMint), Status: store.AttemptConsumed, ConsumedAt: &old},
		{TxHash: "0x222", EventID: 1, Kind: string(store.KindPoAMint), Status: store.AttemptConsumed, ConsumedAt: &recent},
		{TxHash: "0x333", EventID: 1, Kind: string(store.KindPoATransfer), Status: store.AttemptUnconfirmed},
		{TxHash: "0x444", EventID: 2, Kind: string(store.KindPoAMint), Status: store.AttemptUndecodable, ConsumedAt: &old},
	}
	for i := range attempts {
		require.NoError(t, database.Client().Create(&attempts[i]).Error)
	}

	archiver := NewAttemptArchiver(database, time.Hour, 24*time.Hour, zerolog.Nop())
	archiver.now = func() time.Time { return now }

	archived, err := archiver.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	var rows []store.BulkOperationAttempt
	require.NoError(t, database.Client().Order("tx_hash").Find(&rows).Error)
	require.Len(t, rows, 4, "archiving never deletes rows")
	assert.NotNil(t, rows[0].ArchivedAt)
	for _, row := range rows[1:] {
		assert.Nil(t, row.ArchivedAt, row.TxHash)
	}

	// second pass has nothing left
	archived, err = archiver.RunOnce()
	require.NoError(t, err)
	assert.Zero(t, archived)
}
