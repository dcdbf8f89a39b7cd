// Package cleanup implements the retention sweep: orders past the age
// threshold are removed together with any products no longer referenced by a
// surviving order.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce-sync/internal/store"
	"commerce-sync/internal/telemetry"
)

// RecordStore is the slice of the record store the sweeper needs.
type RecordStore interface {
	OrdersOlderThan(ctx context.Context, cutoff time.Time) ([]store.OldOrder, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (ordersDeleted, productsDeleted int64, err error)
	CountOrders(ctx context.Context) (int64, error)
	CountOrdersOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountProducts(ctx context.Context) (int64, error)
}

// Result reports what one cleanup pass removed.
type Result struct {
	DeletedOrders   int64 `json:"deletedOrders"`
	DeletedProducts int64 `json:"deletedProducts"`
}

// PreviewOrder is one order the next cleanup pass would delete.
type PreviewOrder struct {
	ExternalID    string    `json:"externalId"`
	Number        string    `json:"number"`
	CreatedAt     time.Time `json:"createdAt"`
	LineItemCount int       `json:"lineItemCount"`
}

// Preview is the dry-run report: the same selection and reference collection
// as a real pass, with nothing deleted.
type Preview struct {
	OrdersToDelete  []PreviewOrder `json:"ordersToDelete"`
	ProductsToCheck []string       `json:"productsToCheck"`
	Summary         PreviewSummary `json:"summary"`
}

// PreviewSummary carries the preview counts.
type PreviewSummary struct {
	OrdersCount          int `json:"ordersCount"`
	ProductsToCheckCount int `json:"productsToCheckCount"`
}

// Stats reports retention counts without selecting individual rows.
type Stats struct {
	TotalOrders   int64     `json:"totalOrders"`
	OldOrders     int64     `json:"oldOrders"`
	TotalProducts int64     `json:"totalProducts"`
	CutoffDate    time.Time `json:"cutoffDate"`
}

// Sweeper runs the retention pass over the record store.
type Sweeper struct {
	store  RecordStore
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewSweeper builds a sweeper with the given retention age.
func NewSweeper(st RecordStore, maxAge time.Duration, log *zap.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = 3 * 30 * 24 * time.Hour
	}
	return &Sweeper{
		store:  st,
		maxAge: maxAge,
		log:    log,
		now:    time.Now,
	}
}

func (s *Sweeper) cutoff() time.Time {
	return s.now().UTC().Add(-s.maxAge)
}

// Run deletes orders past the cutoff and then all products those orders
// referenced that no surviving order still references. Running it twice in
// succession deletes nothing on the second pass.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	cutoff := s.cutoff()
	s.log.Info("starting cleanup", zap.Time("cutoff", cutoff))

	orders, products, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("cleanup pass: %w", err)
	}
	telemetry.CleanupOrdersDeleted.Add(float64(orders))
	telemetry.CleanupProductsDeleted.Add(float64(products))
	s.log.Info("cleanup completed",
		zap.Int64("deleted_orders", orders),
		zap.Int64("deleted_products", products))
	return Result{DeletedOrders: orders, DeletedProducts: products}, nil
}

// PreviewCleanup performs the selection and candidate collection of a real
// pass without deleting anything.
func (s *Sweeper) PreviewCleanup(ctx context.Context) (Preview, error) {
	old, err := s.store.OrdersOlderThan(ctx, s.cutoff())
	if err != nil {
		return Preview{}, fmt.Errorf("cleanup preview: %w", err)
	}

	preview := Preview{
		OrdersToDelete:  make([]PreviewOrder, 0, len(old)),
		ProductsToCheck: []string{},
	}
	seen := make(map[string]struct{})
	for _, o := range old {
		preview.OrdersToDelete = append(preview.OrdersToDelete, PreviewOrder{
			ExternalID:    o.ExternalID,
			Number:        o.Number,
			CreatedAt:     o.DateCreated,
			LineItemCount: len(o.LineItems),
		})
		for _, productID := range o.LineItems {
			if _, ok := seen[productID]; ok {
				continue
			}
			seen[productID] = struct{}{}
			preview.ProductsToCheck = append(preview.ProductsToCheck, productID)
		}
	}
	preview.Summary = PreviewSummary{
		OrdersCount:          len(preview.OrdersToDelete),
		ProductsToCheckCount: len(preview.ProductsToCheck),
	}
	return preview, nil
}

// GetCleanupStats reports counts only.
func (s *Sweeper) GetCleanupStats(ctx context.Context) (Stats, error) {
	cutoff := s.cutoff()
	total, err := s.store.CountOrders(ctx)
	if err != nil {
		return Stats{}, err
	}
	old, err := s.store.CountOrdersOlderThan(ctx, cutoff)
	if err != nil {
		return Stats{}, err
	}
	products, err := s.store.CountProducts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalOrders:   total,
		OldOrders:     old,
		TotalProducts: products,
		CutoffDate:    cutoff,
	}, nil
}
