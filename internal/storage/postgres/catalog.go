package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
)

const (
	servicesByIDsSQL = `SELECT id, name, COALESCE(category_id, ''), price
		FROM services WHERE id = ANY($1) AND is_active`

	offersByIDsSQL = `SELECT o.id, o.name, o.service_id, COALESCE(s.category_id, ''),
		o.original_price, o.sale_price, o.start_date, o.end_date, o.is_active
		FROM offers o JOIN services s ON s.id = o.service_id
		WHERE o.id = ANY($1)`
)

var _ catalog.Provider = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Provider backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// Services returns the active services among ids.
func (r *CatalogRepository) Services(ctx context.Context, ids []string) ([]catalog.Service, error) {
	rows, err := r.pool.Query(ctx, servicesByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query services")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Service, error) {
		var s catalog.Service
		err := row.Scan(&s.ID, &s.Name, &s.CategoryID, &s.Price)
		return s, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan services")
	}
	return out, nil
}

// Offers returns the offers among ids regardless of availability; the
// caller checks the window.
func (r *CatalogRepository) Offers(ctx context.Context, ids []string) ([]catalog.Offer, error) {
	rows, err := r.pool.Query(ctx, offersByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query offers")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Offer, error) {
		var o catalog.Offer
		err := row.Scan(
			&o.ID, &o.Name, &o.ServiceID, &o.CategoryID,
			&o.OriginalPrice, &o.SalePrice, &o.StartDate, &o.EndDate, &o.IsActive,
		)
		return o, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan offers")
	}
	return out, nil
}

const (
	upsertCategorySQL = `INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertServiceSQL = `INSERT INTO services (id, name, category_id, price, is_active)
		VALUES ($1, $2, NULLIF($3, ''), $4, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category_id = EXCLUDED.category_id,
			price = EXCLUDED.price,
			is_active = TRUE`

	upsertOfferSQL = `INSERT INTO offers
		(id, name, service_id, original_price, sale_price, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			service_id = EXCLUDED.service_id,
			original_price = EXCLUDED.original_price,
			sale_price = EXCLUDED.sale_price,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			is_active = EXCLUDED.is_active`
)

// UpsertCategory inserts or renames a category.
func (r *CatalogRepository) UpsertCategory(ctx context.Context, id, name string) error {
	if _, err := r.pool.Exec(ctx, upsertCategorySQL, id, name); err != nil {
		return errors.Wrapf(err, "upsert category %s", id)
	}
	return nil
}

// UpsertService inserts or updates an active service.
func (r *CatalogRepository) UpsertService(ctx context.Context, s catalog.Service) error {
	if _, err := r.pool.Exec(ctx, upsertServiceSQL, s.ID, s.Name, s.CategoryID, s.Price); err != nil {
		return errors.Wrapf(err, "upsert service %s", s.ID)
	}
	return nil
}

// UpsertOffer inserts or updates an offer. CategoryID is derived from the
// service and ignored here.
func (r *CatalogRepository) UpsertOffer(ctx context.Context, o catalog.Offer) error {
	_, err := r.pool.Exec(ctx, upsertOfferSQL,
		o.ID, o.Name, o.ServiceID, o.OriginalPrice, o.SalePrice, o.StartDate, o.EndDate, o.IsActive,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert offer %s", o.ID)
	}
	return nil
}
