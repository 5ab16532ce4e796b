package model

import "time"

// TaskStatus is the lifecycle state of a batch task
type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusError      TaskStatus = "error"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// Task is the persisted status record of one batch submission
type Task struct {
	ID          string     `json:"taskId"`
	Status      TaskStatus `json:"status"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	Success     int        `json:"success"`
	Total       int        `json:"total"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BatchPayload is handed from the submit path to the worker
type BatchPayload struct {
	TaskID string   `json:"taskId"`
	Hooks  []string `json:"hooks"`
	Bodies []string `json:"bodies"`
}

// SubmitResponse is returned when a batch is accepted
type SubmitResponse struct {
	TaskID    string     `json:"taskId"`
	Status    TaskStatus `json:"status"`
	Total     int        `json:"total"`
	StatusURL string     `json:"statusUrl"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TaskStatusResponse represents the status of a task
type TaskStatusResponse struct {
	TaskID      string     `json:"taskId"`
	Status      TaskStatus `json:"status"`
	DownloadURL *string    `json:"downloadUrl"`
	Error       *string    `json:"error"`
	Success     int        `json:"success"`
	Total       int        `json:"total"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// NewTaskStatusResponse maps a stored task to its API shape
func NewTaskStatusResponse(t *Task) *TaskStatusResponse {
	resp := &TaskStatusResponse{
		TaskID:      t.ID,
		Status:      t.Status,
		Success:     t.Success,
		Total:       t.Total,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Status == TaskStatusDone && t.DownloadURL != "" {
		url := t.DownloadURL
		resp.DownloadURL = &url
	}
	if t.Error != "" {
		msg := t.Error
		resp.Error = &msg
	}
	return resp
}
