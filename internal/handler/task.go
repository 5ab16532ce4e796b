package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"github.com/clipmix/api/internal/model"
	"github.com/clipmix/api/internal/service"
	"github.com/clipmix/api/internal/store"
	"github.com/clipmix/api/pkg/response"
)

// TaskService is the part of service.TaskService the handler needs.
type TaskService interface {
	Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error)
	Get(ctx context.Context, taskID string) (*model.TaskStatusResponse, error)
	ArchivePath(ctx context.Context, taskID string) (string, error)
}

type TaskHandler struct {
	service TaskService
}

func NewTaskHandler(svc TaskService) *TaskHandler {
	return &TaskHandler{service: svc}
}

// Submit handles POST /api/tasks
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Expected a multipart form with hooks and bodies", nil)
	}

	req := &model.SubmitRequest{
		Hooks:  uploadFiles(form.File[model.RoleHook]),
		Bodies: uploadFiles(form.File[model.RoleBody]),
	}

	result, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			return response.ValidationError(c, err.Error(), fiber.Map{
				"hooks":  len(req.Hooks),
				"bodies": len(req.Bodies),
			})
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/tasks/:taskId
func (h *TaskHandler) Status(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.Get(c.UserContext(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Download handles GET /api/tasks/:taskId/download
func (h *TaskHandler) Download(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	archive, err := h.service.ArchivePath(c.UserContext(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			return response.NotFound(c, "Task or archive not found")
		case errors.Is(err, service.ErrTaskNotReady):
			return response.NotReady(c, "Task has not finished successfully", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return c.Download(archive, taskID+".zip")
}

func uploadFiles(headers []*multipart.FileHeader) []model.UploadFile {
	files := make([]model.UploadFile, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, model.UploadFile{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return files
}
