package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/store"
	"github.com/clipmix/api/internal/store/sqlite/migrations"
)

// TaskStoreConfig is the configuration for the SQLite task store.
type TaskStoreConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *TaskStoreConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "store.SQLite"})
	return nil
}

// TaskStore is a SQLite implementation of store.TaskStore.
type TaskStore struct {
	db     *sql.DB
	logger log.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore opens (creating if needed) the database file and applies the
// schema migrations.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite task store initialized at %s", cfg.DBPath)

	return &TaskStore{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (s *TaskStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *TaskStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save upserts the task. Rows already in a terminal state are left untouched.
func (s *TaskStore) Save(ctx context.Context, t *model.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}

	var completedAt *int64
	if t.CompletedAt != nil {
		ms := t.CompletedAt.UnixMilli()
		completedAt = &ms
	}

	query := `
		INSERT INTO tasks (id, status, download_url, error, success, total, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			download_url = excluded.download_url,
			error = excluded.error,
			success = excluded.success,
			total = excluded.total,
			completed_at = excluded.completed_at
		WHERE tasks.status = 'processing'
	`

	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query,
			t.ID,
			string(t.Status),
			t.DownloadURL,
			t.Error,
			t.Success,
			t.Total,
			t.CreatedAt.UnixMilli(),
			completedAt,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("could not save task: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debugf("Task %s is already terminal, save ignored", t.ID)
		return nil
	}

	s.logger.Debugf("Saved task %s with status %s", t.ID, t.Status)
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, status, download_url, error, success, total, created_at, completed_at
		FROM tasks
		WHERE id = ?
	`

	var (
		t           model.Task
		status      string
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, id).Scan(
			&t.ID,
			&status,
			&t.DownloadURL,
			&t.Error,
			&t.Success,
			&t.Total,
			&createdAt,
			&completedAt,
		)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	t.Status = model.TaskStatus(status)
	t.CreatedAt = timeFromUnixMilli(createdAt)
	if completedAt.Valid {
		ct := timeFromUnixMilli(completedAt.Int64)
		t.CompletedAt = &ct
	}

	return &t, nil
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries op with exponential backoff while the database is locked.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
