package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/store"
	"github.com/clipmix/api/internal/store/sqlite"
	"github.com/clipmix/api/internal/store/sqlite/migrations"
)

func newTestStore(t *testing.T, path string) *sqlite.TaskStore {
	t.Helper()
	s, err := sqlite.NewTaskStore(context.Background(), sqlite.TaskStoreConfig{DBPath: path, Logger: log.Noop})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestNewTaskStoreRequiresPath(t *testing.T) {
	_, err := sqlite.NewTaskStore(context.Background(), sqlite.TaskStoreConfig{})
	assert.Error(t, err)
}

func TestTaskStoreSaveAndGet(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(3 * time.Minute)

	tests := map[string]struct {
		saves   []model.Task
		expTask model.Task
	}{
		"a new processing task should be stored": {
			saves: []model.Task{
				{ID: "t1", Status: model.TaskStatusProcessing, Total: 6, CreatedAt: created},
			},
			expTask: model.Task{ID: "t1", Status: model.TaskStatusProcessing, Total: 6, CreatedAt: created},
		},
		"processing to done should be stored": {
			saves: []model.Task{
				{ID: "t1", Status: model.TaskStatusProcessing, Total: 6, CreatedAt: created},
				{ID: "t1", Status: model.TaskStatusDone, DownloadURL: "/results/t1.zip", Success: 5, Total: 6, CreatedAt: created, CompletedAt: ptrTime(completed)},
			},
			expTask: model.Task{ID: "t1", Status: model.TaskStatusDone, DownloadURL: "/results/t1.zip", Success: 5, Total: 6, CreatedAt: created, CompletedAt: ptrTime(completed)},
		},
		"a terminal task should not be changed by later saves": {
			saves: []model.Task{
				{ID: "t1", Status: model.TaskStatusProcessing, Total: 4, CreatedAt: created},
				{ID: "t1", Status: model.TaskStatusError, Error: "archive failed", Total: 4, CreatedAt: created, CompletedAt: ptrTime(completed)},
				{ID: "t1", Status: model.TaskStatusProcessing, Total: 4, CreatedAt: created},
				{ID: "t1", Status: model.TaskStatusDone, Success: 4, Total: 4, CreatedAt: created, CompletedAt: ptrTime(completed)},
			},
			expTask: model.Task{ID: "t1", Status: model.TaskStatusError, Error: "archive failed", Total: 4, CreatedAt: created, CompletedAt: ptrTime(completed)},
		},
		"saving the same terminal record twice should be idempotent": {
			saves: []model.Task{
				{ID: "t1", Status: model.TaskStatusDone, Success: 1, Total: 1, CreatedAt: created, CompletedAt: ptrTime(completed)},
				{ID: "t1", Status: model.TaskStatusDone, Success: 1, Total: 1, CreatedAt: created, CompletedAt: ptrTime(completed)},
			},
			expTask: model.Task{ID: "t1", Status: model.TaskStatusDone, Success: 1, Total: 1, CreatedAt: created, CompletedAt: ptrTime(completed)},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s := newTestStore(t, filepath.Join(t.TempDir(), "tasks.db"))
			for _, task := range test.saves {
				task := task
				require.NoError(s.Save(context.Background(), &task))
			}

			got, err := s.Get(context.Background(), test.expTask.ID)
			require.NoError(err)
			assert.Equal(&test.expTask, got)
		})
	}
}

func TestTaskStoreGetUnknown(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "tasks.db"))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStoreSurvivesReopen(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s, err := sqlite.NewTaskStore(context.Background(), sqlite.TaskStoreConfig{DBPath: path})
	require.NoError(err)
	require.NoError(s.Save(context.Background(), &model.Task{ID: "t1", Status: model.TaskStatusDone, Success: 2, Total: 2, CreatedAt: created, CompletedAt: ptrTime(created)}))
	require.NoError(s.Close())

	reopened := newTestStore(t, path)
	got, err := reopened.Get(context.Background(), "t1")
	require.NoError(err)
	assert.Equal(t, model.TaskStatusDone, got.Status)
	assert.Equal(t, 2, got.Success)
}

func TestTaskStoreConcurrentSaves(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "tasks.db"))
	created := time.Now().UTC().Truncate(time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c", "d"}[i%4]
			assert.NoError(t, s.Save(context.Background(), &model.Task{ID: id, Status: model.TaskStatusProcessing, Total: i, CreatedAt: created}))
			_, err := s.Get(context.Background(), id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestMigratorUpDownUp(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(err)
	t.Cleanup(func() { db.Close() })

	hasTasksTable := func() bool {
		var n int
		require.NoError(db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'tasks'`).Scan(&n))
		return n == 1
	}

	m, err := migrations.NewMigrator(db, log.Noop)
	require.NoError(err)

	require.NoError(m.Up(ctx))
	assert.True(hasTasksTable())

	// A second run has nothing to apply.
	require.NoError(m.Up(ctx))

	require.NoError(m.Down(ctx))
	assert.False(hasTasksTable())

	require.NoError(m.Down(ctx))

	require.NoError(m.Up(ctx))
	assert.True(hasTasksTable())
	_, err = db.ExecContext(ctx, `INSERT INTO tasks (id, status, download_url, error, success, total, created_at) VALUES ('t1', 'processing', '', '', 0, 1, 0)`)
	assert.NoError(err)
}

func TestNewMigratorRequiresDB(t *testing.T) {
	_, err := migrations.NewMigrator(nil, nil)
	assert.Error(t, err)
}
