// Package invocations archives handler invocation records in ClickHouse.
package invocations

import (
	"context"
	"fmt"

	"github.com/DonalWall207/ds-eda-lab/pkg/clickhouse"
	"github.com/DonalWall207/ds-eda-lab/pkg/consumer"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

// Repository stores one row per dispatched batch.
type Repository interface {
	consumer.Recorder
	Initialize(ctx context.Context) error
	Count(ctx context.Context, queue string, outcome handler.Outcome) (uint64, error)
}

var _ Repository = (*repository)(nil)

type repository struct {
	client    clickhouse.Client
	tableName string
}

// NewRepository creates the table if it does not exist yet.
func NewRepository(ctx context.Context, client clickhouse.Client, database, table string) (Repository, error) {
	repo := &repository{client: client, tableName: fmt.Sprintf("%s.%s", database, table)}
	if err := repo.Initialize(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *repository) Initialize(ctx context.Context) error {
	if err := r.client.Conn().Exec(ctx, CreateTableQuery(r.tableName)); err != nil {
		return fmt.Errorf("failed to create invocations table: %w", err)
	}
	return nil
}

func (r *repository) Record(ctx context.Context, inv handler.Invocation) error {
	err := r.client.Conn().Exec(ctx, InsertQuery(r.tableName),
		inv.BatchID,
		inv.Queue,
		nonNil(inv.MessageIDs),
		string(inv.Outcome),
		nonNil(inv.Acked),
		inv.Err,
		inv.StartedAt.UTC(),
		uint64(inv.Duration.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation %s: %w", inv.BatchID, err)
	}
	return nil
}

func (r *repository) Count(ctx context.Context, queue string, outcome handler.Outcome) (uint64, error) {
	var n uint64
	if err := r.client.Conn().QueryRow(ctx, CountQuery(r.tableName), queue, string(outcome)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count invocations: %w", err)
	}
	return n, nil
}

// Array columns reject nil slices.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
