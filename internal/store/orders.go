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

// ErrOrderNotFound is returned by lookups that require the order to exist.
var ErrOrderNotFound = errors.New("order not found")

// CreateOrder commits an order together with its line-item references in one
// transaction. The insert is keyed on order_key; when a concurrent ingestion
// already committed the same key, no second row is written and created is
// false.
func (s *Store) CreateOrder(ctx context.Context, o models.Order) (models.Order, bool, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO orders (id, external_id, number, order_key, status, date_created, total, customer_id, customer_note, billing, shipping, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (order_key) DO NOTHING
	`, o.ID, o.ExternalID, o.Number, o.OrderKey, o.Status, o.DateCreated, o.Total.String(), o.CustomerID, o.CustomerNote, o.Billing, o.Shipping, now)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("insert order %s: %w", o.OrderKey, err)
	}
	if tag.RowsAffected() == 0 {
		existing, found, err := s.GetOrderByKey(ctx, o.OrderKey)
		if err != nil {
			return models.Order{}, false, err
		}
		if !found {
			return models.Order{}, false, fmt.Errorf("order %s conflicted but is missing", o.OrderKey)
		}
		return existing, false, nil
	}

	for i, productID := range o.LineItems {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_line_items (order_id, product_id, position)
			VALUES ($1, $2, $3)
		`, o.ID, productID, i); err != nil {
			return models.Order{}, false, fmt.Errorf("insert line item %d for order %s: %w", i, o.OrderKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, false, fmt.Errorf("commit order %s: %w", o.OrderKey, err)
	}
	return o, true, nil
}

// GetOrderByKey fetches an order by its natural key, including the ordered
// product reference list.
func (s *Store) GetOrderByKey(ctx context.Context, orderKey string) (models.Order, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT o.id, o.external_id, o.number, o.order_key, o.status, o.date_created, o.total::text,
		       o.customer_id, o.customer_note, o.billing, o.shipping,
		       COALESCE(li.items, '{}')
		FROM orders o
		LEFT JOIN LATERAL (
			SELECT array_agg(product_id::text ORDER BY position) AS items
			FROM order_line_items WHERE order_id = o.id
		) li ON true
		WHERE o.order_key = $1
	`, orderKey)

	var o models.Order
	var total string
	err := row.Scan(&o.ID, &o.ExternalID, &o.Number, &o.OrderKey, &o.Status, &o.DateCreated, &total,
		&o.CustomerID, &o.CustomerNote, &o.Billing, &o.Shipping, &o.LineItems)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, false, nil
	}
	if err != nil {
		return models.Order{}, false, fmt.Errorf("get order %s: %w", orderKey, err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("parse total %q: %w", total, err)
	}
	o.Total = d
	return o, true, nil
}

// UpdateOrderStatus sets the stored status for an order key.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderKey, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW() WHERE order_key = $1
	`, orderKey, status)
	if err != nil {
		return fmt.Errorf("update status for order %s: %w", orderKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderKey, ErrOrderNotFound)
	}
	return nil
}

// CountOrders returns the total order count.
func (s *Store) CountOrders(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// CountOrdersOlderThan returns how many orders predate the cutoff.
func (s *Store) CountOrdersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE date_created < $1
	`, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count old orders: %w", err)
	}
	return n, nil
}

// OldOrder summarizes an order that predates the retention cutoff, as shown
// in the cleanup preview.
type OldOrder struct {
	ExternalID  string    `json:"externalId"`
	Number      string    `json:"number"`
	DateCreated time.Time `json:"createdAt"`
	LineItems   []string  `json:"-"`
}

// OrdersOlderThan lists orders before the cutoff with their product
// references, oldest first.
func (s *Store) OrdersOlderThan(ctx context.Context, cutoff time.Time) ([]OldOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.external_id, o.number, o.date_created, COALESCE(li.items, '{}')
		FROM orders o
		LEFT JOIN LATERAL (
			SELECT array_agg(product_id::text ORDER BY position) AS items
			FROM order_line_items WHERE order_id = o.id
		) li ON true
		WHERE o.date_created < $1
		ORDER BY o.date_created ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select old orders: %w", err)
	}
	defer rows.Close()

	var out []OldOrder
	for rows.Next() {
		var o OldOrder
		if err := rows.Scan(&o.ExternalID, &o.Number, &o.DateCreated, &o.LineItems); err != nil {
			return nil, fmt.Errorf("scan old order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes orders before the cutoff and then any of their
// products left with zero order references. Both steps run in one
// transaction, so the reference count sees the post-deletion world and a
// concurrent order insert cannot slip between the delete and the orphan
// check.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (ordersDeleted, productsDeleted int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var candidates []string
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT li.product_id::text
		FROM order_line_items li
		JOIN orders o ON o.id = li.order_id
		WHERE o.date_created < $1
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("collect candidate products: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan candidate product: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM orders WHERE date_created < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("delete old orders: %w", err)
	}
	ordersDeleted = tag.RowsAffected()

	if len(candidates) > 0 {
		tag, err = tx.Exec(ctx, `
			DELETE FROM products p
			WHERE p.id = ANY($1)
			  AND NOT EXISTS (SELECT 1 FROM order_line_items li WHERE li.product_id = p.id)
		`, candidates)
		if err != nil {
			return 0, 0, fmt.Errorf("delete orphaned products: %w", err)
		}
		productsDeleted = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return ordersDeleted, productsDeleted, nil
}
