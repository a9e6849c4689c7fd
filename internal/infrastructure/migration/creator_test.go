package migration

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/erp/dte/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add folio index", "add_folio_index"},
		{"Add-Folio-Index", "add_folio_index"},
		{"ADD__FOLIO__INDEX", "add_folio_index"},
		{"  spaces  ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"_leading and trailing_", "leading_and_trailing"},
		{"!!! ###", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "migrations")
	now := time.Date(2026, 4, 2, 15, 4, 5, 0, time.UTC)

	f, err := Create(dir, "add folio index", "Index folios by emitter", now)
	require.NoError(t, err)
	assert.Equal(t, "20260402150405", f.Version)
	assert.Equal(t, filepath.Join(dir, "20260402150405_add_folio_index.up.sql"), f.UpPath)
	assert.Equal(t, filepath.Join(dir, "20260402150405_add_folio_index.down.sql"), f.DownPath)

	up, err := os.ReadFile(f.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(up), "add folio index")
	assert.Contains(t, string(up), "Index folios by emitter")

	down, err := os.ReadFile(f.DownPath)
	require.NoError(t, err)
	assert.Contains(t, string(down), "Rollback")

	t.Run("refuses to overwrite an existing migration", func(t *testing.T) {
		_, err := Create(dir, "add folio index", "", now)
		assert.Error(t, err)
	})

	t.Run("rejects unusable names", func(t *testing.T) {
		_, err := Create(dir, "!!!", "", now)
		assert.Error(t, err)
	})
}

func TestList(t *testing.T) {
	t.Run("lists up migrations sorted", func(t *testing.T) {
		fsys := fstest.MapFS{
			"20260302_b.up.sql":   {Data: []byte("--")},
			"20260302_b.down.sql": {Data: []byte("--")},
			"20260301_a.up.sql":   {Data: []byte("--")},
			"20260301_a.down.sql": {Data: []byte("--")},
			"README.md":           {Data: []byte("docs")},
			"nested.up.sql/x":     {Data: []byte("--")},
		}

		names, err := List(fsys)
		require.NoError(t, err)
		assert.Equal(t, []string{"20260301_a", "20260302_b"}, names)
	})

	t.Run("missing directory is empty", func(t *testing.T) {
		names, err := List(os.DirFS(filepath.Join(t.TempDir(), "missing")))
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("embedded schema has the compliance tables", func(t *testing.T) {
		names, err := List(migrations.FS)
		require.NoError(t, err)
		assert.Contains(t, names, "20260301090000_create_compliance_tables")
	})
}
