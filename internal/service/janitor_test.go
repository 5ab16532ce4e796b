package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/service"
)

type fakeRemote struct {
	deleted []string
}

func (f *fakeRemote) ObjectKey(taskID string) string { return "results/" + taskID + ".zip" }

func (f *fakeRemote) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func touch(t *testing.T, path string, dir bool, age time.Duration) {
	t.Helper()
	if dir {
		require.NoError(t, os.MkdirAll(path, 0o755))
	} else {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestJanitorSweep(t *testing.T) {
	root := t.TempDir()
	results := filepath.Join(root, "results")
	uploads := filepath.Join(root, "uploads")

	touch(t, filepath.Join(results, "old"), true, 48*time.Hour)
	touch(t, filepath.Join(results, "old.zip"), false, 48*time.Hour)
	touch(t, filepath.Join(results, "fresh"), true, time.Minute)
	touch(t, filepath.Join(results, "fresh.zip"), false, time.Minute)
	touch(t, filepath.Join(results, ".fresh.zip.123.tmp"), false, 48*time.Hour)
	touch(t, filepath.Join(uploads, "orphan"), true, 48*time.Hour)
	touch(t, filepath.Join(uploads, "running"), true, time.Minute)

	remote := &fakeRemote{}
	j := service.NewJanitor(service.JanitorConfig{
		ResultDir: results,
		UploadDir: uploads,
		Retention: 24 * time.Hour,
		Remote:    remote,
	})

	removed := j.Sweep(context.Background())

	assert.Equal(t, 3, removed)
	assert.NoDirExists(t, filepath.Join(results, "old"))
	assert.NoFileExists(t, filepath.Join(results, "old.zip"))
	assert.NoDirExists(t, filepath.Join(uploads, "orphan"))
	assert.DirExists(t, filepath.Join(results, "fresh"))
	assert.FileExists(t, filepath.Join(results, "fresh.zip"))
	assert.FileExists(t, filepath.Join(results, ".fresh.zip.123.tmp"))
	assert.DirExists(t, filepath.Join(uploads, "running"))
	assert.Equal(t, []string{"results/old.zip"}, remote.deleted)
}

func TestJanitorDisabledRetention(t *testing.T) {
	results := t.TempDir()
	touch(t, filepath.Join(results, "old.zip"), false, 48*time.Hour)

	j := service.NewJanitor(service.JanitorConfig{ResultDir: results})
	assert.Zero(t, j.Sweep(context.Background()))
	assert.FileExists(t, filepath.Join(results, "old.zip"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, j.Run(ctx))
}
