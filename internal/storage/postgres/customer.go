package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/backoffice-pricing/internal/domain/customer"
)

const customerByIDSQL = `SELECT id, is_vip, completed_orders FROM customers WHERE id = $1`

var _ customer.Provider = (*CustomerRepository)(nil)

// CustomerRepository implements customer.Provider backed by PostgreSQL.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// Get returns customer.ErrNotFound for unknown ids.
func (r *CustomerRepository) Get(ctx context.Context, id string) (*customer.Customer, error) {
	var c customer.Customer
	err := r.pool.QueryRow(ctx, customerByIDSQL, id).Scan(&c.ID, &c.VIP, &c.CompletedOrders)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get customer %q", id)
	}
	return &c, nil
}

const upsertCustomerSQL = `INSERT INTO customers (id, is_vip, completed_orders) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET
		is_vip = EXCLUDED.is_vip,
		completed_orders = EXCLUDED.completed_orders`

// Upsert stores the customer's loyalty attributes.
func (r *CustomerRepository) Upsert(ctx context.Context, c customer.Customer) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, c.ID, c.VIP, c.CompletedOrders); err != nil {
		return errors.Wrapf(err, "upsert customer %q", c.ID)
	}
	return nil
}
