package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/semaphore"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
)

const (
	TaskTypeCombine = "combine:process"
	QueueCombine    = "combine"
)

// ErrDispatcherClosed is returned by LocalDispatcher after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// BatchRunner executes one accepted batch to its terminal state.
type BatchRunner interface {
	Run(ctx context.Context, payload *model.BatchPayload) error
}

// NewCombineTask wraps the payload into an asynq task.
func NewCombineTask(payload *model.BatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCombine, data), nil
}

// ParseCombineTask decodes the payload of a combine task.
func ParseCombineTask(t *asynq.Task) (*model.BatchPayload, error) {
	var payload model.BatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.TaskID == "" {
		return nil, fmt.Errorf("task payload without task id")
	}
	return &payload, nil
}

// Enqueuer is the subset of asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher enqueues batches on Redis for the asynq worker server.
type AsynqDispatcher struct {
	client    Enqueuer
	timeout   time.Duration
	retention time.Duration
	logger    log.Logger
}

// NewAsynqDispatcher creates a dispatcher. timeout bounds a whole batch run.
func NewAsynqDispatcher(client Enqueuer, timeout, retention time.Duration, logger log.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = log.Noop
	}
	if timeout <= 0 {
		timeout = 6 * time.Hour
	}
	return &AsynqDispatcher{
		client:    client,
		timeout:   timeout,
		retention: retention,
		logger:    logger.WithValues(log.Kv{"svc": "service.AsynqDispatcher"}),
	}
}

// Dispatch enqueues the batch. Batches are never retried: a retry would run
// over uploads that the first attempt already removed.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload *model.BatchPayload) error {
	task, err := NewCombineTask(payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueCombine),
		asynq.TaskID(payload.TaskID),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
	}
	if d.retention > 0 {
		opts = append(opts, asynq.Retention(d.retention))
	}

	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	d.logger.Debugf("Enqueued task %s on queue %s", info.ID, info.Queue)
	return nil
}

// LocalDispatcher runs batches in goroutines of this process, at most
// limit at a time.
type LocalDispatcher struct {
	runner BatchRunner
	sem    *semaphore.Weighted
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewLocalDispatcher creates a dispatcher running batches in process.
func NewLocalDispatcher(runner BatchRunner, limit int, logger log.Logger) *LocalDispatcher {
	if logger == nil {
		logger = log.Noop
	}
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.WithValues(log.Kv{"svc": "service.LocalDispatcher"}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch starts the batch in the background and returns immediately.
func (d *LocalDispatcher) Dispatch(_ context.Context, payload *model.BatchPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			// Shutting down before the batch got a slot still has to settle it.
			d.run(payload)
			return
		}
		defer d.sem.Release(1)
		d.run(payload)
	}()

	return nil
}

func (d *LocalDispatcher) run(payload *model.BatchPayload) {
	if err := d.runner.Run(d.ctx, payload); err != nil {
		d.logger.Errorf("Task %s failed: %v", payload.TaskID, err)
	}
}

// Close stops accepting batches, cancels running ones and waits for all of
// them to settle or ctx to end.
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched batch settled.
func (d *LocalDispatcher) Wait() { d.wg.Wait() }
