package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"commerce-sync/internal/models"
)

// CreateProduct inserts a product keyed on its external catalog id. The
// insert is idempotent: when a concurrent attempt already created the row,
// the existing product is returned instead.
func (s *Store) CreateProduct(ctx context.Context, p models.Product) (models.Product, bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, product_id, name, description, sku, stock_status, price, categories, images, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (product_id) DO NOTHING
	`, p.ID, p.ProductID, p.Name, p.Description, p.SKU, p.StockStatus, p.Price.String(), p.Categories, p.Images, time.Now().UTC())
	if err != nil {
		return models.Product{}, false, fmt.Errorf("insert product %d: %w", p.ProductID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, found, err := s.GetProductByExternalID(ctx, p.ProductID)
		if err != nil {
			return models.Product{}, false, err
		}
		if !found {
			return models.Product{}, false, fmt.Errorf("product %d conflicted but is missing", p.ProductID)
		}
		return existing, false, nil
	}
	return p, true, nil
}

// GetProductByExternalID looks a product up by the external catalog id.
func (s *Store) GetProductByExternalID(ctx context.Context, productID int64) (models.Product, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, product_id, name, description, sku, stock_status, price::text, categories, images
		FROM products WHERE product_id = $1
	`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, false, nil
	}
	if err != nil {
		return models.Product{}, false, fmt.Errorf("get product %d: %w", productID, err)
	}
	return p, true, nil
}

// GetProduct looks a product up by internal id.
func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, product_id, name, description, sku, stock_status, price::text, categories, images
		FROM products WHERE id = $1
	`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, false, nil
	}
	if err != nil {
		return models.Product{}, false, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, true, nil
}

// CountProducts returns the total product count.
func (s *Store) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// CountOrdersReferencing returns how many orders still reference a product.
func (s *Store) CountOrdersReferencing(ctx context.Context, productID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT order_id) FROM order_line_items WHERE product_id = $1
	`, productID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references for product %s: %w", productID, err)
	}
	return n, nil
}

func scanProduct(row pgx.Row) (models.Product, error) {
	var p models.Product
	var price string
	if err := row.Scan(&p.ID, &p.ProductID, &p.Name, &p.Description, &p.SKU, &p.StockStatus, &price, &p.Categories, &p.Images); err != nil {
		return models.Product{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return models.Product{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	p.Price = d
	return p, nil
}
