package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/models"
)

func TestConnect(t *testing.T) {
	// Test with memory DB
	db, err := Connect("file:database_connect_test?mode=memory&cache=shared")
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.True(t, db.Migrator().HasTable(&models.BlockedOrigin{}))
	assert.True(t, db.Migrator().HasTable(&models.RevokedToken{}))

	// Test with file DB
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err = Connect(dbPath)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&models.Staff{}))
}
