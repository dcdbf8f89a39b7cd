package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce-sync/internal/catalog"
	"commerce-sync/internal/cleanup"
	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/telemetry"
)

// OrderStore is the slice of the record store the order handlers touch.
type OrderStore interface {
	GetOrderByKey(ctx context.Context, orderKey string) (models.Order, bool, error)
	CreateOrder(ctx context.Context, o models.Order) (models.Order, bool, error)
	UpdateOrderStatus(ctx context.Context, orderKey, status string) error
}

// ProductStore is the slice of the record store the product handler touches.
type ProductStore interface {
	GetProductByExternalID(ctx context.Context, productID int64) (models.Product, bool, error)
	CreateProduct(ctx context.Context, p models.Product) (models.Product, bool, error)
}

// CleanupRunner runs one retention pass.
type CleanupRunner interface {
	Run(ctx context.Context) (cleanup.Result, error)
}

// Ingestion bundles the job handlers that move orders and products from the
// remote platform into the record store. All handlers are idempotent: the
// broker guarantees at-least-once delivery, so any of them may run twice for
// the same payload.
type Ingestion struct {
	registry   *queue.Registry
	orders     OrderStore
	products   ProductStore
	catalog    catalog.Client
	sweeper    CleanupRunner
	syncWindow time.Duration
	log        *zap.Logger
}

// NewIngestion wires the handler set.
func NewIngestion(reg *queue.Registry, orders OrderStore, products ProductStore, cat catalog.Client, sweeper CleanupRunner, syncWindow time.Duration, log *zap.Logger) *Ingestion {
	if syncWindow <= 0 {
		syncWindow = 30 * 24 * time.Hour
	}
	return &Ingestion{
		registry:   reg,
		orders:     orders,
		products:   products,
		catalog:    cat,
		sweeper:    sweeper,
		syncWindow: syncWindow,
		log:        log,
	}
}

// RegisterOrders binds the order-queue handlers onto a dispatcher.
func (h *Ingestion) RegisterOrders(d *Dispatcher) {
	d.Register(models.TypeSyncOrders, h.HandleSyncOrders)
	d.Register(models.TypeProcessOrder, h.HandleProcessOrder)
	d.Register(models.TypeOrdersFlow, h.HandleFinalizeOrderFlow)
	d.Register(models.TypeUpdateOrderStatus, h.HandleUpdateOrderStatus)
	d.Register(models.TypeSendOrderEmail, h.HandleSendOrderEmail)
	d.Register(models.TypeCleanupOldOrders, h.HandleCleanupOldOrders)
}

// RegisterProducts binds the product-queue handlers onto a dispatcher.
func (h *Ingestion) RegisterProducts(d *Dispatcher) {
	d.Register(models.TypeProcessProduct, h.HandleProcessProduct)
}

// HandleSyncOrders fetches the rolling window of remote orders and fans out
// one independent process_order job per order, so one slow or failing order
// never blocks the others.
func (h *Ingestion) HandleSyncOrders(ctx context.Context, job models.Job) (any, error) {
	after := time.Now().UTC().Add(-h.syncWindow)
	h.log.Info("fetching remote orders", zap.Time("after", after))

	remoteOrders, err := h.catalog.FetchOrdersSince(ctx, after)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	if len(remoteOrders) == 0 {
		h.log.Info("no remote orders in window")
		return map[string]any{"enqueued": 0}, nil
	}

	for _, remote := range remoteOrders {
		payload, err := toPayload(remote)
		if err != nil {
			return nil, err
		}
		if _, err := h.registry.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, payload, queue.Options{
			Priority: models.PriorityHigh,
		}); err != nil {
			return nil, fmt.Errorf("enqueue process_order: %w", err)
		}
	}
	h.log.Info("fanned out remote orders", zap.Int("count", len(remoteOrders)))
	return map[string]any{"enqueued": len(remoteOrders)}, nil
}

// HandleProcessOrder dedups by natural key. An existing order short-circuits
// to a status update; a new one fans out one process_product child per line
// item through the flow orchestrator. The order entity itself is written only
// by the flow parent handler.
func (h *Ingestion) HandleProcessOrder(ctx context.Context, job models.Job) (any, error) {
	var remote catalog.RemoteOrder
	if err := fromPayload(job.Payload, &remote); err != nil {
		return nil, fmt.Errorf("decode order payload: %w", err)
	}
	if remote.OrderKey == "" {
		return nil, fmt.Errorf("order payload missing order_key")
	}

	_, exists, err := h.orders.GetOrderByKey(ctx, remote.OrderKey)
	if err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", remote.OrderKey, err)
	}
	if exists {
		h.log.Info("order already ingested, updating status only", zap.String("order_key", remote.OrderKey))
		_, err := h.registry.Enqueue(ctx, models.QueueOrders, models.TypeUpdateOrderStatus, map[string]any{
			"order_key": remote.OrderKey,
			"status":    remote.Status,
		}, queue.Options{
			Priority: models.PriorityHigh,
			Retry:    &models.RetryPolicy{MaxAttempts: 2, Kind: models.BackoffExponential, BaseDelay: 2 * time.Second},
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue status update: %w", err)
		}
		return map[string]any{"deduped": true}, nil
	}

	children := make([]queue.ChildSpec, 0, len(remote.LineItems))
	for _, item := range remote.LineItems {
		children = append(children, queue.ChildSpec{
			Queue: models.QueueProducts,
			Type:  models.TypeProcessProduct,
			Payload: map[string]any{
				"product_id": item.ProductID,
				"name":       item.Name,
				"quantity":   item.Quantity,
			},
		})
	}

	handle, err := h.registry.EnqueueFlow(ctx, models.TypeOrdersFlow, models.QueueOrders, job.Payload, children, queue.Options{})
	if err != nil {
		return nil, fmt.Errorf("enqueue order flow: %w", err)
	}
	h.log.Info("order flow enqueued",
		zap.String("order_key", remote.OrderKey),
		zap.String("parent_id", handle.ParentID),
		zap.Int("children", len(handle.ChildIDs)))
	return map[string]any{"flow": handle.ParentID}, nil
}

// HandleProcessProduct resolves one line-item product: looked up by external
// id, fetched and created lazily on first sight. Its result, the internal
// product id, is the only thing that crosses back to the pending order write.
func (h *Ingestion) HandleProcessProduct(ctx context.Context, job models.Job) (any, error) {
	productID, err := payloadInt64(job.Payload, "product_id")
	if err != nil {
		return nil, err
	}

	existing, found, err := h.products.GetProductByExternalID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lookup product %d: %w", productID, err)
	}
	if found {
		return existing.ID, nil
	}

	remote, err := h.catalog.FetchProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("fetch product %d: %w", productID, err)
	}
	product, err := remote.Product()
	if err != nil {
		return nil, err
	}
	persisted, created, err := h.products.CreateProduct(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("create product %d: %w", productID, err)
	}
	if created {
		telemetry.ProductsCreated.Inc()
		h.log.Info("created product from line item", zap.Int64("product_id", productID))
	}
	return persisted.ID, nil
}

// HandleFinalizeOrderFlow is the flow parent handler and the single commit
// point for an order: it joins the child results into the product reference
// list and performs the one write that creates the order row.
func (h *Ingestion) HandleFinalizeOrderFlow(ctx context.Context, job models.Job) (any, error) {
	var remote catalog.RemoteOrder
	if err := fromPayload(job.Payload, &remote); err != nil {
		return nil, fmt.Errorf("decode flow payload: %w", err)
	}

	results, err := h.registry.ChildResults(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	lineItems := make([]string, 0, len(results))
	for childID, v := range results {
		id, ok := v.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("child %s returned %T, want product id", childID, v)
		}
		lineItems = append(lineItems, id)
	}

	order, err := orderFromRemote(remote)
	if err != nil {
		return nil, err
	}
	order.LineItems = lineItems

	persisted, created, err := h.orders.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("commit order %s: %w", order.OrderKey, err)
	}
	if created {
		telemetry.OrdersIngested.Inc()
		h.log.Info("order committed",
			zap.String("order_key", order.OrderKey),
			zap.Int("line_items", len(lineItems)))
	} else {
		// A concurrent sync pass won the race on order_key; ours is a no-op.
		h.log.Info("order already committed by concurrent flow", zap.String("order_key", order.OrderKey))
	}
	if err := h.registry.CleanupFlow(ctx, job.ID); err != nil {
		h.log.Warn("cleanup flow state", zap.String("parent_id", job.ID), zap.Error(err))
	}
	return persisted.ID, nil
}

// HandleUpdateOrderStatus applies a remote status change. Matching status is
// a no-op; otherwise the change cascades into a low-priority notification job
// when the order has a contact address on file.
func (h *Ingestion) HandleUpdateOrderStatus(ctx context.Context, job models.Job) (any, error) {
	orderKey, _ := job.Payload["order_key"].(string)
	status, _ := job.Payload["status"].(string)
	if orderKey == "" || status == "" {
		return nil, fmt.Errorf("status payload missing order_key or status")
	}

	order, found, err := h.orders.GetOrderByKey(ctx, orderKey)
	if err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", orderKey, err)
	}
	if !found {
		h.log.Warn("status update for unknown order", zap.String("order_key", orderKey))
		return map[string]any{"updated": false}, nil
	}
	if order.Status == status {
		h.log.Info("status unchanged, skipping", zap.String("order_key", orderKey), zap.String("status", status))
		return map[string]any{"updated": false}, nil
	}

	if err := h.orders.UpdateOrderStatus(ctx, orderKey, status); err != nil {
		return nil, err
	}

	if email := order.BillingEmail(); email != "" {
		_, err := h.registry.Enqueue(ctx, models.QueueOrders, models.TypeSendOrderEmail, map[string]any{
			"order_key":      orderKey,
			"customer_email": email,
			"customer_name":  order.BillingName(),
			"order_total":    order.Total.String(),
			"status":         status,
		}, queue.Options{
			Priority: models.PriorityLow,
			Delay:    models.DelayShort,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue notification: %w", err)
		}
	}
	return map[string]any{"updated": true}, nil
}

// HandleSendOrderEmail delivers the status notification.
// TODO: integrate an email provider; for now the notification is logged only.
func (h *Ingestion) HandleSendOrderEmail(ctx context.Context, job models.Job) (any, error) {
	h.log.Info("order notification",
		zap.Any("order_key", job.Payload["order_key"]),
		zap.Any("customer_email", job.Payload["customer_email"]),
		zap.Any("status", job.Payload["status"]))
	return map[string]any{"sent": true}, nil
}

// HandleCleanupOldOrders delegates to the retention sweeper.
func (h *Ingestion) HandleCleanupOldOrders(ctx context.Context, job models.Job) (any, error) {
	result, err := h.sweeper.Run(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func orderFromRemote(remote catalog.RemoteOrder) (models.Order, error) {
	order := models.Order{
		ExternalID:   fmt.Sprintf("%d", remote.ID),
		Number:       remote.Number,
		OrderKey:     remote.OrderKey,
		Status:       remote.Status,
		DateCreated:  remote.DateCreated,
		CustomerID:   fmt.Sprintf("%d", remote.CustomerID),
		CustomerNote: remote.CustomerNote,
		Billing:      remote.Billing,
		Shipping:     remote.Shipping,
	}
	if remote.Total != "" {
		total, err := decimal.NewFromString(remote.Total)
		if err != nil {
			return models.Order{}, fmt.Errorf("parse order total %q: %w", remote.Total, err)
		}
		order.Total = total
	}
	return order, nil
}

// toPayload round-trips a typed value into the generic job payload shape.
func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func fromPayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func payloadInt64(payload map[string]any, key string) (int64, error) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("payload %s has type %T, want number", key, v)
	}
}
