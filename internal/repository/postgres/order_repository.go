package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fasket/outbox/internal/domain/order"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository reads the storefront's orders table. The table belongs to
// the surrounding application; this package never migrates or writes it.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// FindStale lists orders sitting in status since before cutoff, oldest first.
func (r *OrderRepository) FindStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]order.Snapshot, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id::text, status, updated_at
		 FROM orders
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, status, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale orders: %w", err)
	}
	defer rows.Close()

	var out []order.Snapshot
	for rows.Next() {
		var s order.Snapshot
		if err := rows.Scan(&s.ID, &s.Status, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
