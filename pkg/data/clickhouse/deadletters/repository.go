// Package deadletters archives dead-lettered messages in ClickHouse.
package deadletters

import (
	"context"
	"fmt"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/clickhouse"
)

type Repository interface {
	broker.DeadLetterSink
	Initialize(ctx context.Context) error
	Count(ctx context.Context, queue string) (uint64, error)
}

var _ Repository = (*repository)(nil)

type repository struct {
	client    clickhouse.Client
	tableName string
}

func NewRepository(ctx context.Context, client clickhouse.Client, database, table string) (Repository, error) {
	repo := &repository{client: client, tableName: fmt.Sprintf("%s.%s", database, table)}
	if err := repo.Initialize(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *repository) Initialize(ctx context.Context) error {
	if err := r.client.Conn().Exec(ctx, CreateTableQuery(r.tableName)); err != nil {
		return fmt.Errorf("failed to create dead letters table: %w", err)
	}
	return nil
}

// DeadLetter archives dl. The message stays on its queue until this succeeds.
func (r *repository) DeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	attrs := dl.Message.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	err := r.client.Conn().Exec(ctx, InsertQuery(r.tableName),
		dl.Queue,
		dl.Reason,
		dl.Message.ID,
		string(dl.Message.Body),
		attrs,
		uint32(dl.Message.DeliveryCount),
		dl.Message.EnqueuedAt.UTC(),
		dl.DeadLetteredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", dl.Message.ID, err)
	}
	return nil
}

func (r *repository) Count(ctx context.Context, queue string) (uint64, error) {
	var n uint64
	if err := r.client.Conn().QueryRow(ctx, CountQuery(r.tableName), queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
