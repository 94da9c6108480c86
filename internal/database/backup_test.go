package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "engine.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("roster data"), 0o644))

	logger := zerolog.Nop()
	svc := NewBackupService(dbPath, BackupConfig{
		Enabled: true,
		Path:    filepath.Join(dir, "backups"),
	}, &logger)

	require.NoError(t, svc.PerformBackup())

	files, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(dir, "backups", files[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "roster data", string(data))
}

func TestCleanupOldBackups(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o755))

	stale := filepath.Join(backupDir, "backup_20200101_000000.db")
	fresh := filepath.Join(backupDir, "backup_now.db")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))

	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(stale, old, old))

	logger := zerolog.Nop()
	svc := NewBackupService(filepath.Join(dir, "engine.db"), BackupConfig{
		Enabled:       true,
		Path:          backupDir,
		RetentionDays: 14,
	}, &logger)

	svc.CleanupOldBackups()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale backup removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh backup kept")
}

func TestNewDB_AppliesSchema(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"staff", "sites", "operational_needs", "slots", "absences"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	var idx string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_slots_person_half_active'`,
	).Scan(&idx)
	require.NoError(t, err, "double-booking backstop index missing")
}
