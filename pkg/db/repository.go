package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Listing bounds for ListRecentInvocations.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Repository provides access to the invocation audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordInvocation inserts one audited invocation and returns its row id.
func (r *Repository) RecordInvocation(ctx context.Context, params RecordInvocationParams) (int64, error) {
	invokedAt := params.InvokedAt
	if invokedAt.IsZero() {
		invokedAt = time.Now()
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invocations (request_id, command, namespace, transport, ok, code, duration_ms, device_id, invoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		params.RequestID, params.Command, NamespaceOf(params.Command), params.Transport,
		params.Ok, params.Code, params.Duration.Milliseconds(), params.DeviceID, invokedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s - insert invocation %s: %w", repoLogPrefix, params.Command, err)
	}
	return id, nil
}

// ListInvocationsParams filters ListRecentInvocations.
type ListInvocationsParams struct {
	Namespace  string
	FailedOnly bool
	Limit      int
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ListRecentInvocations returns the newest invocations first.
func (r *Repository) ListRecentInvocations(ctx context.Context, params ListInvocationsParams) ([]Invocation, error) {
	slog.Debug(fmt.Sprintf("%s - ListRecentInvocations namespace=%s failedOnly=%v", repoLogPrefix, params.Namespace, params.FailedOnly))

	query := `SELECT id, request_id, command, namespace, transport, ok, code, duration_ms, device_id, invoked_at
		 FROM invocations
		 WHERE ($1 = '' OR namespace = $1)
		   AND (NOT $2 OR NOT ok)
		 ORDER BY invoked_at DESC, id DESC
		 LIMIT $3`
	rows, err := r.pool.Query(ctx, query, params.Namespace, params.FailedOnly, clampLimit(params.Limit))
	if err != nil {
		return nil, fmt.Errorf("%s - list invocations: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := []Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate invocations: %w", repoLogPrefix, err)
	}
	return out, nil
}

// StatsByCommand aggregates every recorded invocation per command.
func (r *Repository) StatsByCommand(ctx context.Context) ([]CommandStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT command, COUNT(*), COUNT(*) FILTER (WHERE NOT ok), COALESCE(AVG(duration_ms), 0)::BIGINT
		 FROM invocations
		 GROUP BY command
		 ORDER BY COUNT(*) DESC, command`)
	if err != nil {
		return nil, fmt.Errorf("%s - stats: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := []CommandStats{}
	for rows.Next() {
		var s CommandStats
		if err := rows.Scan(&s.Command, &s.Total, &s.Failures, &s.AvgMs); err != nil {
			return nil, fmt.Errorf("%s - scan stats: %w", repoLogPrefix, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate stats: %w", repoLogPrefix, err)
	}
	return out, nil
}

// PruneInvocations deletes rows older than before and returns how many were removed.
func (r *Repository) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM invocations WHERE invoked_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s - prune invocations: %w", repoLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Pruned %d invocations older than %s", repoLogPrefix, n, before.UTC().Format(time.RFC3339)))
	}
	return tag.RowsAffected(), nil
}

func scanInvocation(row pgx.Row) (*Invocation, error) {
	var inv Invocation
	err := row.Scan(&inv.ID, &inv.RequestID, &inv.Command, &inv.Namespace, &inv.Transport,
		&inv.Ok, &inv.Code, &inv.DurationMs, &inv.DeviceID, &inv.InvokedAt)
	if err != nil {
		return nil, fmt.Errorf("%s - scan invocation: %w", repoLogPrefix, err)
	}
	return &inv, nil
}
