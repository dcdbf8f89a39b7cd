package models

import (
	"github.com/shopspring/decimal"
)

// ProductImage is the catalog image reference carried on a product.
type ProductImage struct {
	ID   int64  `json:"id"`
	Src  string `json:"src"`
	Name string `json:"name"`
	Alt  string `json:"alt"`
}

// ProductCategory is a catalog category assignment.
type ProductCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Product is the persisted product entity. ProductID is the external catalog
// id and is unique. Products are created lazily the first time an order line
// item references them and removed only by the cleanup sweeper once no
// surviving order references them.
type Product struct {
	ID          string            `json:"id"`
	ProductID   int64             `json:"product_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	SKU         string            `json:"sku"`
	StockStatus string            `json:"stock_status"`
	Price       decimal.Decimal   `json:"price"`
	Categories  []ProductCategory `json:"categories"`
	Images      []ProductImage    `json:"images"`
}
