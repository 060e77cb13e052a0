package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/db"
	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
	"github.com/xenking/backoffice-pricing/internal/domain/customer"
	"github.com/xenking/backoffice-pricing/internal/storage/postgres"
)

type fixture struct {
	Categories []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
	Services []struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		CategoryID string          `json:"category_id"`
		Price      decimal.Decimal `json:"price"`
	} `json:"services"`
	Offers []struct {
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		ServiceID     string          `json:"service_id"`
		OriginalPrice decimal.Decimal `json:"original_price"`
		SalePrice     decimal.Decimal `json:"sale_price"`
		StartDate     time.Time       `json:"start_date"`
		EndDate       time.Time       `json:"end_date"`
		IsActive      *bool           `json:"is_active"`
	} `json:"offers"`
	Customers []struct {
		ID              string `json:"id"`
		VIP             bool   `json:"is_vip"`
		CompletedOrders int    `json:"completed_orders"`
	} `json:"customers"`
	Coupons []coupon.Definition `json:"coupons"`
}

func main() {
	var (
		databaseURL string
		fixtureFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&fixtureFile, "file", "", "path to a catalog fixture (defaults to the embedded db/seed/catalog.json)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, fixtureFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func readFixture(path string) (*fixture, error) {
	data := db.Catalog
	if path != "" {
		slog.Info("reading fixture file", slog.String("path", path))
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrap(err, "read fixture file")
		}
	}

	var f fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse fixture JSON")
	}
	return &f, nil
}

func run(ctx context.Context, databaseURL, fixtureFile string) error {
	f, err := readFixture(fixtureFile)
	if err != nil {
		return err
	}
	rules, err := f.rules()
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, postgres.NewCatalogRepository(pool), f); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedCustomers(ctx, postgres.NewCustomerRepository(pool), f); err != nil {
		return errors.Wrap(err, "seed customers")
	}

	slog.Info("upserting coupons", slog.Int("count", len(rules)))
	if err := postgres.NewCouponRepository(pool).UpsertBatch(ctx, rules); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	return nil
}

// rules validates every coupon before anything is written.
func (f *fixture) rules() ([]*coupon.Rule, error) {
	rules := make([]*coupon.Rule, 0, len(f.Coupons))
	for i, def := range f.Coupons {
		rule, err := def.Rule()
		if err != nil {
			return nil, errors.Wrapf(err, "coupons[%d] %q", i, def.Code)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func seedCatalog(ctx context.Context, repo *postgres.CatalogRepository, f *fixture) error {
	for _, c := range f.Categories {
		if err := repo.UpsertCategory(ctx, c.ID, c.Name); err != nil {
			return errors.Wrapf(err, "upsert category %s", c.ID)
		}
	}
	slog.Info("upserted categories", slog.Int("count", len(f.Categories)))

	for _, s := range f.Services {
		if err := repo.UpsertService(ctx, catalog.Service{
			ID:         s.ID,
			Name:       s.Name,
			CategoryID: s.CategoryID,
			Price:      s.Price,
		}); err != nil {
			return errors.Wrapf(err, "upsert service %s", s.ID)
		}
		slog.Info("upserted service", slog.String("id", s.ID), slog.String("name", s.Name))
	}

	for _, o := range f.Offers {
		active := o.IsActive == nil || *o.IsActive
		if err := repo.UpsertOffer(ctx, catalog.Offer{
			ID:            o.ID,
			Name:          o.Name,
			ServiceID:     o.ServiceID,
			OriginalPrice: o.OriginalPrice,
			SalePrice:     o.SalePrice,
			StartDate:     o.StartDate,
			EndDate:       o.EndDate,
			IsActive:      active,
		}); err != nil {
			return errors.Wrapf(err, "upsert offer %s", o.ID)
		}
		slog.Info("upserted offer", slog.String("id", o.ID), slog.String("name", o.Name))
	}
	return nil
}

func seedCustomers(ctx context.Context, repo *postgres.CustomerRepository, f *fixture) error {
	for _, c := range f.Customers {
		if err := repo.Upsert(ctx, customer.Customer{
			ID:              c.ID,
			VIP:             c.VIP,
			CompletedOrders: c.CompletedOrders,
		}); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.ID)
		}
	}
	slog.Info("upserted customers", slog.Int("count", len(f.Customers)))
	return nil
}
