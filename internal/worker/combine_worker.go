package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipmix/api/internal/batch"
	"github.com/clipmix/api/internal/client"
	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/packager"
	"github.com/clipmix/api/internal/service"
	"github.com/clipmix/api/internal/store"
)

// Error codes sent to progress subscribers.
const (
	CodeTaskFailed = "TASK_FAILED"
)

// Notifier receives progress of running tasks.
type Notifier interface {
	TaskProgress(taskID string, completed, total int, output string, failed bool)
	TaskDone(task *model.Task)
	TaskFailed(taskID, code, message string)
}

type noopNotifier struct{}

func (noopNotifier) TaskProgress(string, int, int, string, bool) {}
func (noopNotifier) TaskDone(*model.Task)                        {}
func (noopNotifier) TaskFailed(string, string, string)           {}

// CombineWorkerConfig is the configuration for the CombineWorker.
type CombineWorkerConfig struct {
	Store     store.TaskStore
	Scheduler *batch.Scheduler
	Packager  *packager.Packager
	// Publisher is optional. When set the published URL is the download locator.
	Publisher client.ArchivePublisher
	Notifier  Notifier
	UploadDir string
	ResultDir string
	// ResultsURLPrefix is the public path the result directory is served under.
	ResultsURLPrefix string
	Logger           log.Logger
}

func (c *CombineWorkerConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Scheduler == nil {
		return fmt.Errorf("scheduler is required")
	}
	if c.UploadDir == "" || c.ResultDir == "" {
		return fmt.Errorf("upload and result dirs are required")
	}
	if c.ResultsURLPrefix == "" {
		c.ResultsURLPrefix = "/results"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "worker.CombineWorker"})
	if c.Packager == nil {
		c.Packager = packager.New(c.Logger)
	}
	if c.Notifier == nil {
		c.Notifier = noopNotifier{}
	}
	return nil
}

// CombineWorker drives one batch from processing to done or error.
type CombineWorker struct {
	cfg    CombineWorkerConfig
	logger log.Logger
	now    func() time.Time
}

var _ service.BatchRunner = (*CombineWorker)(nil)

// NewCombineWorker creates a new combine worker
func NewCombineWorker(cfg CombineWorkerConfig) (*CombineWorker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &CombineWorker{cfg: cfg, logger: cfg.Logger, now: time.Now}, nil
}

// ProcessTask handles combine tasks delivered by asynq
func (w *CombineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := service.ParseCombineTask(t)
	if err != nil {
		// A payload that cannot be decoded will never succeed.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.Run(ctx, payload)
}

// Run executes the batch, packages its outputs and records the terminal
// state. The task's uploads are removed on every path. The returned error
// mirrors a terminal error state and is informational only.
func (w *CombineWorker) Run(ctx context.Context, payload *model.BatchPayload) (err error) {
	taskID := payload.TaskID
	logger := w.logger.WithValues(log.Kv{"task": taskID})
	uploads := filepath.Join(w.cfg.UploadDir, taskID)

	defer func() {
		if rmErr := os.RemoveAll(uploads); rmErr != nil {
			logger.Warningf("Could not remove uploads: %v", rmErr)
		}
	}()

	task, err := w.cfg.Store.Get(context.WithoutCancel(ctx), taskID)
	if err != nil {
		lost := &model.Task{ID: taskID, Total: len(payload.Hooks) * len(payload.Bodies), CreatedAt: w.now().UTC()}
		if !errors.Is(err, store.ErrTaskNotFound) {
			return w.fail(ctx, logger, lost, fmt.Errorf("could not load task: %w", err))
		}
		// Recreate a record that was lost, e.g. after a Redis TTL expiry.
		task = lost
	}
	if task.Status.IsTerminal() {
		logger.Warningf("Task already %s, skipping", task.Status)
		return nil
	}
	task.Status = model.TaskStatusProcessing
	task.Total = len(payload.Hooks) * len(payload.Bodies)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Panic while processing: %v", r)
			err = w.fail(ctx, logger, task, fmt.Errorf("panic: %v", r))
		}
	}()

	locator, res, runErr := w.process(ctx, logger, task, payload)
	if runErr != nil {
		return w.fail(ctx, logger, task, runErr)
	}

	return w.complete(ctx, logger, task, locator, res)
}

func (w *CombineWorker) process(ctx context.Context, logger log.Logger, task *model.Task, payload *model.BatchPayload) (string, batch.Result, error) {
	taskDir := filepath.Join(w.cfg.ResultDir, task.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", batch.Result{}, fmt.Errorf("could not create output directory: %w", err)
	}

	logger.Infof("Combining %d hooks with %d bodies", len(payload.Hooks), len(payload.Bodies))
	start := w.now()

	res := w.cfg.Scheduler.RunBatch(ctx, payload.Hooks, payload.Bodies, taskDir, func(job batch.Job, settled, total int) {
		// Runs on a scheduler goroutine, out of reach of Run's recover.
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Progress notification panicked: %v", r)
			}
		}()
		w.cfg.Notifier.TaskProgress(task.ID, settled, total, filepath.Base(job.Output), job.Outcome != batch.OutcomeSucceeded)
	})

	// A shutdown makes every remaining combine fail; that is not a result.
	if err := ctx.Err(); err != nil {
		return "", res, fmt.Errorf("interrupted: %w", err)
	}

	logger.Infof("Batch settled in %s: %d of %d combinations succeeded", w.now().Sub(start).Round(time.Millisecond), res.Success, res.Total)

	report := packager.Report{
		TaskID:    task.ID,
		TaskDir:   taskDir,
		Success:   res.Success,
		Total:     res.Total,
		CreatedAt: w.now(),
	}
	for _, j := range res.Failed() {
		reason := "unknown error"
		if j.Err != nil {
			reason = j.Err.Error()
		}
		report.Failures = append(report.Failures, packager.Failure{
			Hook:   displayName(j.Hook),
			Body:   displayName(j.Body),
			Reason: reason,
		})
	}

	archive, err := w.cfg.Packager.Finalize(ctx, report)
	if err != nil {
		return "", res, err
	}

	locator := w.cfg.ResultsURLPrefix + "/" + filepath.Base(archive)
	if w.cfg.Publisher != nil {
		url, err := w.cfg.Publisher.Publish(ctx, task.ID, archive)
		if err != nil {
			return "", res, fmt.Errorf("could not publish archive: %w", err)
		}
		locator = url
	}

	return locator, res, nil
}

func (w *CombineWorker) complete(ctx context.Context, logger log.Logger, task *model.Task, locator string, res batch.Result) error {
	completed := w.now().UTC()
	task.Status = model.TaskStatusDone
	task.DownloadURL = locator
	task.Success = res.Success
	task.Total = res.Total
	task.Error = ""
	task.CompletedAt = &completed

	if err := w.cfg.Store.Save(context.WithoutCancel(ctx), task); err != nil {
		logger.Errorf("Could not record completion: %v", err)
		return w.fail(ctx, logger, task, fmt.Errorf("could not save result: %w", err))
	}

	w.cfg.Notifier.TaskDone(task)
	logger.Infof("Task done: %d/%d combinations, archive at %s", task.Success, task.Total, locator)
	return nil
}

func (w *CombineWorker) fail(ctx context.Context, logger log.Logger, task *model.Task, cause error) error {
	completed := w.now().UTC()
	task.Status = model.TaskStatusError
	task.DownloadURL = ""
	task.Error = cause.Error()
	task.CompletedAt = &completed

	if err := w.cfg.Store.Save(context.WithoutCancel(ctx), task); err != nil {
		logger.Errorf("Could not record failure %q: %v", cause, err)
	}

	w.cfg.Notifier.TaskFailed(task.ID, CodeTaskFailed, task.Error)
	logger.Errorf("Task failed: %v", cause)
	return cause
}

// displayName strips the upload directory layout from a source path.
func displayName(path string) string {
	return filepath.Base(path)
}
