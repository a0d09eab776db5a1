package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/internal/config"
	"library-lending/library"
)

func runImport(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newImportCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestImportCatalogFile(t *testing.T) {
	t.Setenv(config.EnvDriver, "")
	dsn := filepath.Join(t.TempDir(), "import.db")

	out := runImport(t, "testdata/catalog.json", "--dsn", dsn)
	assert.Contains(t, out, "Members added: 3 (skipped 0)")
	assert.Contains(t, out, "Books added:   5 (skipped 0)")
	assert.Contains(t, out, "HOB-83")

	out = runImport(t, "testdata/catalog.json", "--dsn", dsn)
	assert.Contains(t, out, "Books added:   0 (skipped 5)")

	out = runImport(t, "testdata/catalog.json", "--dsn", dsn, "--reset")
	assert.Contains(t, out, "Cleaning up existing database files")
	assert.Contains(t, out, "Books added:   5 (skipped 0)")

	db, err := library.NewDatabase(dsn)
	require.NoError(t, err)
	defer db.Close()
	avail, err := db.Availability(context.Background(), "NRN-7")
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
}

func TestImportMissingFile(t *testing.T) {
	t.Setenv(config.EnvDriver, "")
	cmd := newImportCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "nope.json"), "--dsn", filepath.Join(t.TempDir(), "x.db")})
	require.Error(t, cmd.Execute())
}

func TestImportHasNoListenFlag(t *testing.T) {
	cmd := newImportCmd()
	assert.Nil(t, cmd.Flags().Lookup("addr"))
	assert.NotNil(t, cmd.Flags().Lookup("dsn"))

	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"testdata/catalog.json", "--addr", ":3000"})
	require.Error(t, cmd.Execute())
}
