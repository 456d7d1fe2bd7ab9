package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/auth"
	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/domain/product"
	"github.com/xenking/kastoma-checkout/internal/handler"
	"github.com/xenking/kastoma-checkout/internal/repository"
)

type seedProduct struct {
	product.Product
	Variants []product.Variant
}

// seedConfig holds the command line. Empty flags fall back to the
// environment.
type seedConfig struct {
	databaseURL  string
	productsFile string
	apiKey       string
	staffKey     string
	apiKeyPepper string
}

// resolve fills empty fields from getenv and checks the required ones. The
// pepper is required: keys hashed without it would never match the server's.
func (c *seedConfig) resolve(getenv func(string) string) error {
	for _, f := range []struct {
		dst *string
		env string
	}{
		{&c.databaseURL, "DATABASE_URL"},
		{&c.apiKey, "KASTOMA_SEED_API_KEY"},
		{&c.staffKey, "KASTOMA_SEED_STAFF_API_KEY"},
		{&c.apiKeyPepper, "KASTOMA_API_KEY_PEPPER"},
	} {
		if *f.dst == "" {
			*f.dst = getenv(f.env)
		}
	}

	switch {
	case c.databaseURL == "":
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	case c.apiKey == "":
		return errors.New("API key is required: set --api-key or KASTOMA_SEED_API_KEY")
	case c.apiKeyPepper == "":
		return errors.New("API key pepper is required: set --api-key-pepper or KASTOMA_API_KEY_PEPPER")
	}
	return nil
}

func main() {
	var cfg seedConfig

	flag.StringVar(&cfg.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&cfg.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&cfg.apiKey, "api-key", "", "storefront API key to seed (or KASTOMA_SEED_API_KEY env)")
	flag.StringVar(&cfg.staffKey, "staff-api-key", "", "staff API key to seed (or KASTOMA_SEED_STAFF_API_KEY env)")
	flag.StringVar(&cfg.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KASTOMA_API_KEY_PEPPER env)")
	flag.Parse()

	if err := cfg.resolve(os.Getenv); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, cfg seedConfig) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, repository.NewProductRepository(pool), cfg.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, repository.NewCouponRepository(pool), time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	keys := repository.NewAPIKeyRepository(pool)
	if err := seedAPIKey(ctx, keys, cfg.apiKeyPepper, cfg.apiKey, "storefront", auth.ScopeCreateOrder); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	if cfg.staffKey != "" {
		if err := seedAPIKey(ctx, keys, cfg.apiKeyPepper, cfg.staffKey, "staff", auth.ScopeManageOrders); err != nil {
			return errors.Wrap(err, "seed staff api key")
		}
	}

	return nil
}

func seedProducts(ctx context.Context, repo *repository.ProductRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	products, err := decodeProducts(data)
	if err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.Upsert(ctx, &p.Product); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		for _, v := range p.Variants {
			if err := repo.UpsertVariant(ctx, &v); err != nil {
				return errors.Wrapf(err, "upsert variant %s", v.ID)
			}
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("variants", len(p.Variants)),
		)
	}

	return nil
}

// decodeProducts reads the seed catalog. Products and variants are active
// unless "active" is false; a variant without a price inherits the product's.
// Stock defaults to zero.
func decodeProducts(data []byte) ([]seedProduct, error) {
	var products []seedProduct
	d := jx.DecodeBytes(data)
	err := d.Arr(func(d *jx.Decoder) error {
		p := seedProduct{Product: product.Product{IsActive: true}}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "sku":
				p.SKU, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "category":
				p.Category, err = d.Str()
			case "active":
				p.IsActive, err = d.Bool()
			case "price":
				p.Price, err = decodePrice(d)
			case "stock":
				p.Stock, err = decodeStock(d)
			case "backorder":
				p.AllowBackorder, err = d.Bool()
			case "variants":
				err = d.Arr(func(d *jx.Decoder) error {
					v, err := decodeVariant(d)
					if err != nil {
						return err
					}
					p.Variants = append(p.Variants, v)
					return nil
				})
			default:
				err = d.Skip()
			}
			return errors.Wrap(err, key)
		})
		if err != nil {
			return err
		}
		if p.ID == "" || p.Name == "" {
			return errors.New("product without id or name")
		}
		for i := range p.Variants {
			p.Variants[i].ProductID = p.ID
		}
		products = append(products, p)
		return nil
	})
	return products, err
}

func decodeVariant(d *jx.Decoder) (product.Variant, error) {
	v := product.Variant{IsActive: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			v.ID, err = d.Str()
		case "sku":
			v.SKU, err = d.Str()
		case "name":
			v.Name, err = d.Str()
		case "active":
			v.IsActive, err = d.Bool()
		case "price":
			var price decimal.Decimal
			price, err = decodePrice(d)
			v.Price = decimal.NewNullDecimal(price)
		case "stock":
			v.Stock, err = decodeStock(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err == nil && v.ID == "" {
		err = errors.New("variant without id")
	}
	return v, err
}

func decodeStock(d *jx.Decoder) (int, error) {
	n, err := d.Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Errorf("negative stock %d", n)
	}
	return n, nil
}

// decodePrice accepts both "12.50" and 12.50.
func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func seedCoupons(ctx context.Context, repo coupon.Repository, now time.Time) error {
	slog.Info("seeding coupons")

	launchLimit := 100
	launchEnds := now.AddDate(0, 1, 0)
	coupons := []coupon.Coupon{
		{
			Code:                  "SAVE10",
			Name:                  "Ten percent off",
			Description:           "10% off, capped at 50.00",
			DiscountType:          coupon.DiscountPercentage,
			DiscountValue:         decimal.NewFromInt(10),
			MaximumDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(50)),
		},
		{
			Code:               "FIVEOFF",
			Name:               "Five off",
			Description:        "5.00 off orders of 30.00 or more",
			DiscountType:       coupon.DiscountFixedAmount,
			DiscountValue:      decimal.NewFromInt(5),
			MinimumOrderAmount: decimal.NewNullDecimal(decimal.NewFromInt(30)),
		},
		{
			Code:          "LAUNCH25",
			Name:          "Launch week",
			Description:   "25% off for the first hundred orders",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(25),
			UsageLimit:    &launchLimit,
			ValidUntil:    &launchEnds,
		},
	}

	for _, c := range coupons {
		c.IsActive = true
		c.ValidFrom = now.Add(-time.Minute)
		if err := repo.Upsert(ctx, &c); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.Code)
		}

		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo auth.Repository, pepper, key, name, scope string) error {
	slog.Info("seeding API key", slog.String("name", name))

	hash := handler.HashKey([]byte(pepper), key)
	id := name + "-" + hash[:8]
	if err := repo.Create(ctx, &auth.APIKeyInfo{
		ID:      id,
		KeyHash: hash,
		Name:    name,
		Scopes:  []string{scope},
	}); err != nil {
		return errors.Wrapf(err, "upsert %s API key", name)
	}

	slog.Info("upserted API key", slog.String("id", id), slog.String("scope", scope))

	return nil
}
