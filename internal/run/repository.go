package run

import "context"

// Repository defines persistence for run records.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, id string, update Update) (*Run, error)
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter Filter) ([]Run, error)
	Summary(ctx context.Context, namespace string) (*Summary, error)
}
