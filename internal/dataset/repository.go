package dataset

import "context"

// Repository defines persistence for dataset records.
type Repository interface {
	Create(ctx context.Context, ds *Dataset) error
	Get(ctx context.Context, id string) (*Dataset, error)
	List(ctx context.Context, namespace string) ([]Dataset, error)
	Update(ctx context.Context, id string, update Update) (*Dataset, error)
}
