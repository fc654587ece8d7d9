package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slamserver/internal/mapdb"
)

// seedIndex records n archives for sensor under mapDir, one minute apart,
// writing a file for each.
func seedIndex(t *testing.T, dbPath, mapDir, sensor string, n int) []string {
	t.Helper()
	db, err := mapdb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	id, err := db.StartSession(ctx, sensor, "mono", false, time.Unix(0, 0))
	require.NoError(t, err)

	var paths []string
	for i := 0; i < n; i++ {
		path := filepath.Join(mapDir, fmt.Sprintf("%s_%02d.osa", sensor, i))
		require.NoError(t, os.WriteFile(path, []byte("state"), 0644))
		require.NoError(t, db.RecordArchive(ctx, mapdb.Archive{
			SessionID: id,
			Path:      path,
			Sensor:    sensor,
			CreatedAt: time.Unix(int64(60*i), 0),
			SizeBytes: 5,
		}))
		paths = append(paths, path)
	}
	return paths
}

func TestRun_Status(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archives.db")
	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "status"}, &out))
	assert.Contains(t, out.String(), "schema version: 2")
	assert.Contains(t, out.String(), "dirty: false")
}

func TestRun_Down(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archives.db")
	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "down"}, &out))
	assert.Contains(t, out.String(), "schema version: 1")
}

func TestRun_Archives(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "archives.db")
	paths := seedIndex(t, dbPath, dir, "color", 2)
	seedIndex(t, dbPath, dir, "ir", 1)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "archives", "--sensor", "color"}, &out))
	s := out.String()
	assert.Contains(t, s, "CREATED")
	assert.Contains(t, s, paths[0])
	assert.Contains(t, s, paths[1])
	assert.NotContains(t, s, "ir_00.osa")
	assert.Less(t, bytes.Index(out.Bytes(), []byte(paths[1])), bytes.Index(out.Bytes(), []byte(paths[0])), "newest first")
}

func TestRun_Prune(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "archives.db")
	paths := seedIndex(t, dbPath, dir, "color", 4)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "prune", "--keep", "2", "--map-dir", dir}, &out))
	assert.Contains(t, out.String(), "2 archive(s) removed")

	assert.NoFileExists(t, paths[0])
	assert.NoFileExists(t, paths[1])
	assert.FileExists(t, paths[2])
	assert.FileExists(t, paths[3])

	db, err := mapdb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	left, err := db.ListArchives(context.Background(), "color", 0)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRun_PruneDryRun(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "archives.db")
	paths := seedIndex(t, dbPath, dir, "color", 3)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "prune", "--keep", "1", "--map-dir", dir, "--dry-run"}, &out))
	assert.Contains(t, out.String(), "would remove "+paths[0])
	assert.Contains(t, out.String(), "0 archive(s) removed")
	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestRun_PruneSkipsFilesOutsideMapDir(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	dbPath := filepath.Join(dir, "archives.db")
	paths := seedIndex(t, dbPath, other, "color", 2)

	var out bytes.Buffer
	require.NoError(t, run([]string{"--db", dbPath, "prune", "--keep", "1", "--map-dir", dir}, &out))
	assert.Contains(t, out.String(), "skip "+paths[0])
	assert.FileExists(t, paths[0])
}

func TestRun_Errors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archives.db")

	assert.EqualError(t, run(nil, &bytes.Buffer{}), "missing command")
	assert.EqualError(t, run([]string{"--db", dbPath, "bogus"}, &bytes.Buffer{}), `unknown command "bogus"`)
	assert.EqualError(t, run([]string{"--db", dbPath, "prune", "--keep", "0"}, &bytes.Buffer{}), "--keep must be at least 1, got 0")
}
