package audit

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesTableAndRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	id := uuid.New()
	store.Record(EventConnect, id, "127.0.0.1:1234")
	store.Record(EventDisconnect, id, "127.0.0.1:1234")

	var count int
	row := store.db.QueryRow(`SELECT COUNT(*) FROM connection_events WHERE user_uuid = ?`, id.String())
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 2, count)
}
