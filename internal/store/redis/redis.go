package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/store"
)

// saveScript writes the record unless the stored one is already terminal.
// KEYS[1] task key, ARGV[1] JSON record, ARGV[2] TTL in milliseconds (0 keeps forever).
var saveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, decoded = pcall(cjson.decode, current)
	if ok and (decoded['status'] == 'done' or decoded['status'] == 'error') then
		return 0
	end
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// TaskStoreConfig is the configuration for the Redis task store.
type TaskStoreConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	// Retention is the TTL applied to every record. Zero keeps records forever.
	Retention time.Duration
	Logger    log.Logger
}

func (c *TaskStoreConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "task:"
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "store.Redis"})
	return nil
}

// TaskStore keeps task records as JSON values in Redis.
type TaskStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    log.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a new Redis task store.
func NewTaskStore(cfg TaskStoreConfig) (*TaskStore, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TaskStore{
		client:    cfg.Client,
		prefix:    cfg.KeyPrefix,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}, nil
}

func (s *TaskStore) key(id string) string { return s.prefix + id }

// Ping checks the Redis connection.
func (s *TaskStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Save upserts the task unless the stored record is already terminal.
func (s *TaskStore) Save(ctx context.Context, t *model.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("could not marshal task: %w", err)
	}

	written, err := saveScript.Run(ctx, s.client, []string{s.key(t.ID)}, string(data), s.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("could not save task: %w", err)
	}
	if written == 0 {
		s.logger.Debugf("Task %s is already terminal, save ignored", t.ID)
		return nil
	}

	s.logger.Debugf("Saved task %s with status %s", t.ID, t.Status)
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("could not unmarshal task: %w", err)
	}

	return &t, nil
}
