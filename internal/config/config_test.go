package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "backups"), cfg.BackupDir)
	assert.Equal(t, filepath.Join(dir, "logs", "notevault.log"), cfg.LogFile)
	assert.Equal(t, 10, cfg.BackupRetention)
	assert.Equal(t, filepath.Join(dir, "notes.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(dir, "notes_media"), cfg.MediaDir())
	assert.Equal(t, "localhost:6893", cfg.Addr())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvAndFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("NOTEVAULT_BACKUP_RETENTION", "3")
	t.Setenv("NOTEVAULT_PORT", "7000")

	yml := "backup_dir: /tmp/vault-backups\nenv: production\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(yml), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.BackupRetention)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "/tmp/vault-backups", cfg.BackupDir)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"retention zero", map[string]string{"NOTEVAULT_BACKUP_RETENTION": "0"}},
		{"retention not a number", map[string]string{"NOTEVAULT_BACKUP_RETENTION": "many"}},
		{"port out of range", map[string]string{"NOTEVAULT_PORT": "70000"}},
		{"unknown env", map[string]string{"NOTEVAULT_ENV": "staging"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			chdir(t, dir)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
