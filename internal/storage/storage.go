package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a run id has no stored record.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	Close() error
}
