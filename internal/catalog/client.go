// Package catalog talks to the remote commerce platform's REST catalog and
// order endpoints. The rest of the system sees only the narrow Client
// interface; every failure the platform can produce surfaces as either a
// transient error (retryable) or a permanent one.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"commerce-sync/internal/config"
	"commerce-sync/internal/models"
)

// maxResponseSize caps catalog responses (10MB).
const maxResponseSize = 10 * 1024 * 1024

// ErrProductNotFound indicates the platform has no product with that id.
var ErrProductNotFound = errors.New("catalog: product not found")

// TransientError wraps failures worth retrying: network errors, 5xx
// responses, and rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "catalog: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether an error came from a retryable remote failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// LineItem is one order line as delivered by the platform.
type LineItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

// RemoteOrder is the order wire shape delivered by the platform.
type RemoteOrder struct {
	ID           int64          `json:"id"`
	Number       string         `json:"number"`
	OrderKey     string         `json:"order_key"`
	Status       string         `json:"status"`
	DateCreated  time.Time      `json:"date_created"`
	Total        string         `json:"total"`
	CustomerID   int64          `json:"customer_id"`
	CustomerNote string         `json:"customer_note"`
	Billing      map[string]any `json:"billing"`
	Shipping     map[string]any `json:"shipping"`
	LineItems    []LineItem     `json:"line_items"`
}

// RemoteProduct is the product wire shape delivered by the platform.
type RemoteProduct struct {
	ID          int64                    `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	SKU         string                   `json:"sku"`
	StockStatus string                   `json:"stock_status"`
	Price       string                   `json:"price"`
	Categories  []models.ProductCategory `json:"categories"`
	Images      []models.ProductImage    `json:"images"`
}

// Product converts the wire shape into the persisted entity (without an
// internal id).
func (rp RemoteProduct) Product() (models.Product, error) {
	price := decimal.Zero
	if rp.Price != "" {
		d, err := decimal.NewFromString(rp.Price)
		if err != nil {
			return models.Product{}, fmt.Errorf("parse price %q: %w", rp.Price, err)
		}
		price = d
	}
	return models.Product{
		ProductID:   rp.ID,
		Name:        rp.Name,
		Description: rp.Description,
		SKU:         rp.SKU,
		StockStatus: rp.StockStatus,
		Price:       price,
		Categories:  rp.Categories,
		Images:      rp.Images,
	}, nil
}

// Client is the narrow interface the ingestion pipeline calls.
type Client interface {
	// FetchOrdersSince returns orders created after the given instant.
	FetchOrdersSince(ctx context.Context, after time.Time) ([]RemoteOrder, error)
	// FetchProduct returns full product detail by external id.
	FetchProduct(ctx context.Context, productID int64) (RemoteProduct, error)
}

// WooClient implements Client against a WooCommerce-style REST API using
// consumer key/secret query authentication.
type WooClient struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
}

// NewWooClient builds the client from config.
func NewWooClient(cfg config.Config) *WooClient {
	return &WooClient{
		baseURL:        cfg.WooBaseURL,
		consumerKey:    cfg.WooConsumerKey,
		consumerSecret: cfg.WooConsumerSecret,
		httpClient:     &http.Client{Timeout: cfg.WooTimeout},
	}
}

// FetchOrdersSince pulls up to one page of recent orders, newest first.
func (c *WooClient) FetchOrdersSince(ctx context.Context, after time.Time) ([]RemoteOrder, error) {
	params := url.Values{}
	params.Set("after", after.UTC().Format(time.RFC3339))
	params.Set("per_page", "100")
	params.Set("orderby", "date")
	params.Set("order", "desc")

	var orders []RemoteOrder
	if err := c.get(ctx, "/wp-json/wc/v3/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// FetchProduct pulls full product detail by external id.
func (c *WooClient) FetchProduct(ctx context.Context, productID int64) (RemoteProduct, error) {
	var product RemoteProduct
	err := c.get(ctx, "/wp-json/wc/v3/products/"+strconv.FormatInt(productID, 10), url.Values{}, &product)
	if err != nil {
		return RemoteProduct{}, err
	}
	return product, nil
}

func (c *WooClient) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.consumerKey != "" {
		params.Set("consumer_key", c.consumerKey)
		params.Set("consumer_secret", c.consumerSecret)
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrProductNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%s returned %d", path, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
