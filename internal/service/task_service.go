package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/packager"
	"github.com/clipmix/api/internal/store"
)

var (
	// ErrInvalidInput marks client mistakes in a submission. Nothing is
	// created when it is returned.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTaskNotReady is returned when the archive of an unfinished task is requested.
	ErrTaskNotReady = errors.New("task not ready")
)

// Dispatcher hands an accepted batch to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *model.BatchPayload) error
}

// TaskServiceConfig is the configuration for the TaskService.
type TaskServiceConfig struct {
	Store        store.TaskStore
	Dispatcher   Dispatcher
	UploadDir    string
	ResultDir    string
	MaxFiles     int
	MaxFileBytes int64
	Logger       log.Logger
}

func (c *TaskServiceConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload dir is required")
	}
	if c.ResultDir == "" {
		return fmt.Errorf("result dir is required")
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "service.TaskService"})
	return nil
}

// TaskService accepts batch submissions and answers status queries.
type TaskService struct {
	store        store.TaskStore
	dispatcher   Dispatcher
	uploadDir    string
	resultDir    string
	maxFiles     int
	maxFileBytes int64
	validate     *validator.Validate
	logger       log.Logger
	now          func() time.Time
}

// NewTaskService creates a new TaskService.
func NewTaskService(cfg TaskServiceConfig) (*TaskService, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TaskService{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		uploadDir:    cfg.UploadDir,
		resultDir:    cfg.ResultDir,
		maxFiles:     cfg.MaxFiles,
		maxFileBytes: cfg.MaxFileBytes,
		validate:     validator.New(),
		logger:       cfg.Logger,
		now:          time.Now,
	}, nil
}

// Submit validates the uploads, stores them under the new task's upload
// directory, records the task as processing and dispatches it.
func (s *TaskService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	taskID := uuid.New().String()
	logger := s.logger.WithValues(log.Kv{"task": taskID})
	taskUploads := filepath.Join(s.uploadDir, taskID)

	hooks, err := s.saveFiles(taskUploads, model.RoleHook, req.Hooks)
	if err == nil {
		var bodies []string
		bodies, err = s.saveFiles(taskUploads, model.RoleBody, req.Bodies)
		if err == nil {
			return s.accept(ctx, logger, taskID, hooks, bodies)
		}
	}

	_ = os.RemoveAll(taskUploads)
	return nil, fmt.Errorf("could not store uploads: %w", err)
}

func (s *TaskService) accept(ctx context.Context, logger log.Logger, taskID string, hooks, bodies []string) (*model.SubmitResponse, error) {
	task := &model.Task{
		ID:        taskID,
		Status:    model.TaskStatusProcessing,
		Total:     len(hooks) * len(bodies),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Save(ctx, task); err != nil {
		_ = os.RemoveAll(filepath.Join(s.uploadDir, taskID))
		return nil, fmt.Errorf("could not save task: %w", err)
	}

	payload := &model.BatchPayload{TaskID: taskID, Hooks: hooks, Bodies: bodies}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		logger.Errorf("Dispatch failed: %v", err)
		_ = os.RemoveAll(filepath.Join(s.uploadDir, taskID))

		completed := s.now().UTC()
		task.Status = model.TaskStatusError
		task.Error = fmt.Sprintf("could not dispatch task: %v", err)
		task.CompletedAt = &completed
		if serr := s.store.Save(context.WithoutCancel(ctx), task); serr != nil {
			logger.Errorf("Could not record dispatch failure: %v", serr)
		}
		return nil, fmt.Errorf("could not dispatch task: %w", err)
	}

	logger.Infof("Accepted batch of %d hooks and %d bodies (%d combinations)", len(hooks), len(bodies), task.Total)

	return &model.SubmitResponse{
		TaskID:    taskID,
		Status:    task.Status,
		Total:     task.Total,
		StatusURL: "/api/tasks/" + taskID,
		CreatedAt: task.CreatedAt,
	}, nil
}

func (s *TaskService) check(req *model.SubmitRequest) error {
	if req == nil || len(req.Hooks) == 0 || len(req.Bodies) == 0 {
		return fmt.Errorf("at least one hook and one body are required: %w", ErrInvalidInput)
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), ErrInvalidInput)
	}

	for role, files := range map[string][]model.UploadFile{model.RoleHook: req.Hooks, model.RoleBody: req.Bodies} {
		if len(files) > s.maxFiles {
			return fmt.Errorf("too many %s: %d, at most %d allowed: %w", role, len(files), s.maxFiles, ErrInvalidInput)
		}
		for _, f := range files {
			if f.Open == nil {
				return fmt.Errorf("%s file %q has no content: %w", role, f.Filename, ErrInvalidInput)
			}
			if s.maxFileBytes > 0 && f.Size > s.maxFileBytes {
				return fmt.Errorf("%s file %q exceeds %d bytes: %w", role, f.Filename, s.maxFileBytes, ErrInvalidInput)
			}
			if !IsVideo(f.Filename, f.ContentType) {
				return fmt.Errorf("%s file %q is not a video (%s): %w", role, f.Filename, f.ContentType, ErrInvalidInput)
			}
		}
	}

	return nil
}

// IsVideo accepts video/* content types. Generic binary uploads fall back to
// the file extension.
func IsVideo(filename, contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "video/") {
		return true
	}
	if contentType != "" && mediaType != "application/octet-stream" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if videoExtensions[ext] {
		return true
	}
	byExt, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	return err == nil && strings.HasPrefix(byExt, "video/")
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
	".avi":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// safeFilename keeps the base name readable while dropping path parts.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		name = "clip.mp4"
	}
	return name
}

// saveFiles writes files to <dir>/<role>/<NN>/<name> keeping the original
// base name, so the stem survives into the output names.
func (s *TaskService) saveFiles(dir, role string, files []model.UploadFile) ([]string, error) {
	paths := make([]string, 0, len(files))
	for i, f := range files {
		dst := filepath.Join(dir, role, fmt.Sprintf("%02d", i+1), safeFilename(f.Filename))
		if err := copyUpload(f, dst); err != nil {
			return nil, fmt.Errorf("%s %q: %w", role, f.Filename, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

func copyUpload(f model.UploadFile, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Get returns the status of a task.
func (s *TaskService) Get(ctx context.Context, taskID string) (*model.TaskStatusResponse, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return model.NewTaskStatusResponse(task), nil
}

// ArchivePath returns the local archive of a finished task.
func (s *TaskService) ArchivePath(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != model.TaskStatusDone {
		return "", fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotReady)
	}

	archive := packager.ArchivePath(filepath.Join(s.resultDir, taskID))
	if _, err := os.Stat(archive); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("archive of task %s expired: %w", taskID, store.ErrTaskNotFound)
		}
		return "", err
	}
	return archive, nil
}
