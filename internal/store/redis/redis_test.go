package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/store"
	storeredis "github.com/clipmix/api/internal/store/redis"
)

const testPrefix = "test-task:"

func newTestStore(t *testing.T, retention time.Duration) (*storeredis.TaskStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := storeredis.NewTaskStore(storeredis.TaskStoreConfig{Client: client, KeyPrefix: testPrefix, Retention: retention})
	require.NoError(t, err)
	return s, mr
}

func TestNewTaskStoreRequiresClient(t *testing.T) {
	_, err := storeredis.NewTaskStore(storeredis.TaskStoreConfig{})
	assert.Error(t, err)
}

func TestTaskStoreTerminalRecordsAreImmutable(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t, 0)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(time.Minute)

	require.NoError(s.Save(ctx, &model.Task{ID: "t1", Status: model.TaskStatusProcessing, Total: 6, CreatedAt: created}))
	require.NoError(s.Save(ctx, &model.Task{ID: "t1", Status: model.TaskStatusDone, DownloadURL: "/results/t1.zip", Success: 6, Total: 6, CreatedAt: created, CompletedAt: &completed}))
	require.NoError(s.Save(ctx, &model.Task{ID: "t1", Status: model.TaskStatusError, Error: "late", Total: 6, CreatedAt: created, CompletedAt: &completed}))

	got, err := s.Get(ctx, "t1")
	require.NoError(err)
	assert.Equal(t, model.TaskStatusDone, got.Status)
	assert.Equal(t, 6, got.Success)
	assert.Empty(t, got.Error)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestTaskStoreGetUnknown(t *testing.T) {
	s, _ := newTestStore(t, 0)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStoreAppliesRetention(t *testing.T) {
	tests := map[string]struct {
		retention time.Duration
		expTTL    time.Duration
	}{
		"a retention should be set as the record ttl": {
			retention: time.Hour,
			expTTL:    time.Hour,
		},
		"a zero retention should keep the record forever": {
			retention: 0,
			expTTL:    0,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s, mr := newTestStore(t, test.retention)

			require.NoError(t, s.Save(context.Background(), &model.Task{ID: "t1", Status: model.TaskStatusProcessing, CreatedAt: time.Now()}))

			assert.Equal(t, test.expTTL, mr.TTL(testPrefix+"t1"))
		})
	}
}

func TestTaskStoreRecordExpires(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &model.Task{ID: "t1", Status: model.TaskStatusProcessing, CreatedAt: time.Now()}))
	mr.FastForward(time.Hour + time.Second)

	_, err := s.Get(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStoreReplacesUnreadableRecord(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, mr.Set(testPrefix+"t1", "not json"))

	// A corrupt record is not terminal, so it may be replaced.
	require.NoError(t, s.Save(ctx, &model.Task{ID: "t1", Status: model.TaskStatusProcessing, Total: 2, CreatedAt: time.Now()}))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, got.Status)
	assert.Equal(t, 2, got.Total)
}

func TestTaskStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t, 0)
	mr.Close()

	assert.Error(t, s.Ping(context.Background()))
	assert.Error(t, s.Save(context.Background(), &model.Task{ID: "t1", Status: model.TaskStatusProcessing}))
}
