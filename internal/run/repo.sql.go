package run

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datakiln/datakiln/internal/platform/httpx"
)

// PGRepository provides PostgreSQL backed persistence for run records.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const runColumns = `id, namespace, pipeline_id, pipeline_name, trigger, deployment_id, status,
 created_at, started_at, ended_at, cost, output_path, log_path, error, metadata,
 scheduled_for, attempt, max_attempts, triggered_by_user_id`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		run      Run
		status   string
		metadata []byte
	)
	err := row.Scan(
		&run.ID, &run.Namespace, &run.PipelineID, &run.PipelineName, &run.Trigger,
		&run.DeploymentID, &status, &run.CreatedAt, &run.StartedAt, &run.EndedAt,
		&run.Cost, &run.OutputPath, &run.LogPath, &run.Error, &metadata,
		&run.ScheduledFor, &run.Attempt, &run.MaxAttempts, &run.TriggeredByUserID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: run not found", httpx.ErrNotFound)
		}
		return nil, err
	}
	run.Status = Status(status)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &run.Metadata)
	}
	return &run, nil
}

// Create inserts a run record.
func (r *PGRepository) Create(ctx context.Context, run *Run) error {
	var metadata []byte
	if run.Metadata != nil {
		var err error
		metadata, err = json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("run: marshal metadata: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		run.ID, run.Namespace, run.PipelineID, run.PipelineName, run.Trigger,
		run.DeploymentID, string(run.Status), run.CreatedAt, run.StartedAt, run.EndedAt,
		run.Cost, run.OutputPath, run.LogPath, run.Error, metadata,
		run.ScheduledFor, run.Attempt, run.MaxAttempts, run.TriggeredByUserID,
	)
	return err
}

// Update applies a sparse mutation and returns the updated record. Only
// supplied fields are touched; explicitly cleared fields become NULL.
func (r *PGRepository) Update(ctx context.Context, id string, update Update) (*Run, error) {
	sets := make([]string, 0, 8)
	params := []any{id}

	bind := func(column string, value any) {
		params = append(params, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(params)))
	}
	if update.Status.IsSet() {
		status, _ := update.Status.Value()
		bind("status", string(status))
	}
	bindOptional := func(column string, opt interface {
		IsSet() bool
		IsNull() bool
	}, value any) {
		if !opt.IsSet() {
			return
		}
		if opt.IsNull() {
			sets = append(sets, column+" = NULL")
			return
		}
		bind(column, value)
	}
	bindOptional("started_at", update.StartedAt, update.StartedAt.Ptr())
	bindOptional("ended_at", update.EndedAt, update.EndedAt.Ptr())
	bindOptional("cost", update.Cost, update.Cost.Ptr())
	bindOptional("output_path", update.OutputPath, update.OutputPath.Ptr())
	bindOptional("log_path", update.LogPath, update.LogPath.Ptr())
	bindOptional("error", update.Error, update.Error.Ptr())
	if update.Metadata.IsSet() {
		if update.Metadata.IsNull() {
			sets = append(sets, "metadata = NULL")
		} else {
			metadata, _ := update.Metadata.Value()
			buf, err := json.Marshal(metadata)
			if err != nil {
				return nil, fmt.Errorf("run: marshal metadata: %w", err)
			}
			bind("metadata", buf)
		}
	}
	if len(sets) == 0 {
		return r.Get(ctx, id)
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+runColumns, params...)
	return scanRun(row)
}

// Get returns one run by id.
func (r *PGRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// List returns a namespace's runs newest first.
func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Run, error) {
	where := []string{"namespace = $1"}
	params := []any{filter.Namespace}
	if filter.Status != nil {
		params = append(params, string(*filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(params)))
	}
	if filter.PipelineID != nil {
		params = append(params, *filter.PipelineID)
		where = append(where, "pipeline_id = $"+strconv.Itoa(len(params)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	params = append(params, limit)
	limitArg := strconv.Itoa(len(params))
	params = append(params, filter.Offset)
	offsetArg := strconv.Itoa(len(params))

	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC LIMIT $`+limitArg+` OFFSET $`+offsetArg, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Summary aggregates a namespace's run counts per status and the most recent
// run creation time.
func (r *PGRepository) Summary(ctx context.Context, namespace string) (*Summary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*), MAX(created_at) FROM runs WHERE namespace = $1 GROUP BY status`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &Summary{Namespace: namespace, Counts: map[Status]int{}}
	var lastRunAt *time.Time
	for rows.Next() {
		var (
			status string
			count  int
			latest *time.Time
		)
		if err := rows.Scan(&status, &count, &latest); err != nil {
			return nil, err
		}
		summary.Counts[Status(status)] = count
		summary.Total += count
		if latest != nil && (lastRunAt == nil || latest.After(*lastRunAt)) {
			lastRunAt = latest
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.LastRunAt = lastRunAt
	return summary, nil
}

var _ Repository = (*PGRepository)(nil)
