package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the Catalog Store contract the rest of the service relies on.
// Every write bumps the row version and returns the new row.
type Store interface {
	ListAll(ctx context.Context) ([]Product, error)
	Get(ctx context.Context, id int64) (*Product, error)
	Create(ctx context.Context, p *Product) error
	UpdateQuantity(ctx context.Context, id int64, qty int) (*Product, error)
	UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) (*Product, error)
	Delete(ctx context.Context, id int64) (version int64, err error)
}

type Repo struct{ DB *pgxpool.Pool }

const productCols = `id, code, COALESCE(barcode,''), name, price_usd::text, quantity,
	category, subcategory, weight::text, COALESCE(weight_unit,''), COALESCE(iva_status,''),
	COALESCE(imageurl,''), isbestseller, version, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var (
		p      Product
		price  string
		weight *string
	)
	if err := row.Scan(&p.ID, &p.Code, &p.Barcode, &p.Name, &price, &p.Quantity,
		&p.Category, &p.Subcategory, &weight, &p.WeightUnit, &p.IVAStatus,
		&p.ImageURL, &p.BestSeller, &p.Version, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("product %d price: %w", p.ID, err)
	}
	p.PriceUSD = d
	if weight != nil {
		w, err := decimal.NewFromString(*weight)
		if err == nil {
			p.Weight = &w
		}
	}
	return &p, nil
}

func (r *Repo) ListAll(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *Repo) Get(ctx context.Context, id int64) (*Product, error) {
	return scanProduct(r.DB.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
}

func (r *Repo) Create(ctx context.Context, p *Product) error {
	if p.Quantity < 0 {
		return ErrInvalidQuantity
	}
	if !p.PriceUSD.IsPositive() {
		return ErrInvalidPrice
	}
	var weight *string
	if p.Weight != nil {
		s := p.Weight.String()
		weight = &s
	}
	out, err := scanProduct(r.DB.QueryRow(ctx, `
		INSERT INTO products (code, barcode, name, price_usd, quantity, category, subcategory,
		                      weight, weight_unit, iva_status, imageurl, isbestseller)
		VALUES ($1, NULLIF($2,''), $3, $4::numeric, $5, $6, $7, $8::numeric, NULLIF($9,''), NULLIF($10,''), NULLIF($11,''), $12)
		RETURNING `+productCols,
		p.Code, p.Barcode, p.Name, p.PriceUSD.String(), p.Quantity, p.Category, p.Subcategory,
		weight, p.WeightUnit, p.IVAStatus, p.ImageURL, p.BestSeller))
	if err != nil {
		return err
	}
	*p = *out
	return nil
}

func (r *Repo) UpdateQuantity(ctx context.Context, id int64, qty int) (*Product, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	return scanProduct(r.DB.QueryRow(ctx, `
		UPDATE products SET quantity=$2, version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING `+productCols, id, qty))
}

func (r *Repo) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) (*Product, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	return scanProduct(r.DB.QueryRow(ctx, `
		UPDATE products SET price_usd=$2::numeric, version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING `+productCols, id, price.String()))
}

// Delete removes the row and returns the version its tombstone carries.
func (r *Repo) Delete(ctx context.Context, id int64) (int64, error) {
	var version int64
	err := r.DB.QueryRow(ctx, `DELETE FROM products WHERE id=$1 RETURNING version`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}
