package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datakiln/datakiln/internal/platform/httpx"
)

// PGRepository provides PostgreSQL backed persistence for datasets.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const datasetColumns = `id, namespace, name, source, format, original_format, raw_path, path,
 ingest_status, created_at, updated_at, schema, row_count, description, error`

func scanDataset(row pgx.Row) (*Dataset, error) {
	var (
		ds     Dataset
		status string
		schema []byte
	)
	err := row.Scan(
		&ds.ID, &ds.Namespace, &ds.Name, &ds.Source, &ds.Format, &ds.OriginalFormat,
		&ds.RawPath, &ds.Path, &status, &ds.CreatedAt, &ds.UpdatedAt, &schema,
		&ds.RowCount, &ds.Description, &ds.Error,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: dataset not found", httpx.ErrNotFound)
		}
		return nil, err
	}
	ds.IngestStatus = IngestStatus(status)
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &ds.Schema)
	}
	return &ds, nil
}

// Create inserts a dataset record.
func (r *PGRepository) Create(ctx context.Context, ds *Dataset) error {
	var schema []byte
	if ds.Schema != nil {
		var err error
		schema, err = json.Marshal(ds.Schema)
		if err != nil {
			return fmt.Errorf("dataset: marshal schema: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO datasets (`+datasetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ds.ID, ds.Namespace, ds.Name, ds.Source, ds.Format, ds.OriginalFormat,
		ds.RawPath, ds.Path, string(ds.IngestStatus), ds.CreatedAt, ds.UpdatedAt, schema,
		ds.RowCount, ds.Description, ds.Error,
	)
	return err
}

// Get returns one dataset by id.
func (r *PGRepository) Get(ctx context.Context, id string) (*Dataset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	return scanDataset(row)
}

// List returns a namespace's datasets newest first.
func (r *PGRepository) List(ctx context.Context, namespace string) ([]Dataset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE namespace = $1 ORDER BY created_at DESC`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, *ds)
	}
	return datasets, rows.Err()
}

// Update applies a sparse mutation and returns the updated record.
func (r *PGRepository) Update(ctx context.Context, id string, update Update) (*Dataset, error) {
	sets := []string{"updated_at = NOW()"}
	params := []any{id}

	bind := func(column string, value any) {
		params = append(params, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(params)))
	}
	if status, ok := update.Status.Value(); ok {
		bind("ingest_status", string(status))
	}
	if update.Schema.IsSet() {
		if update.Schema.IsNull() {
			sets = append(sets, "schema = NULL")
		} else {
			schema, _ := update.Schema.Value()
			buf, err := json.Marshal(schema)
			if err != nil {
				return nil, fmt.Errorf("dataset: marshal schema: %w", err)
			}
			bind("schema", buf)
		}
	}
	if update.RowCount.IsSet() {
		if update.RowCount.IsNull() {
			sets = append(sets, "row_count = NULL")
		} else {
			bind("row_count", update.RowCount.Ptr())
		}
	}
	if update.Error.IsSet() {
		if update.Error.IsNull() {
			sets = append(sets, "error = NULL")
		} else {
			bind("error", update.Error.Ptr())
		}
	}
	if path, ok := update.Path.Value(); ok {
		bind("path", path)
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE datasets SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+datasetColumns, params...)
	return scanDataset(row)
}

var _ Repository = (*PGRepository)(nil)
