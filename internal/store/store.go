// Package store keeps the durable status record of every batch task.
package store

import (
	"context"
	"errors"

	"github.com/clipmix/api/internal/model"
)

// ErrTaskNotFound is returned by Get for ids the store has never seen.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists task records.
//
// Save is an upsert. Once a record is done or error it is never changed again,
// so saving over a terminal record is a no-op that returns nil.
type TaskStore interface {
	Save(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
