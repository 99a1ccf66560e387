package catalog

import "github.com/shopspring/decimal"

// Event type names double as broker routing keys; they are part of the
// wire contract and never change for an existing payload shape.
const (
	EventTypeProductPriceChanged                    = "ProductPriceChangedIntegrationEvent"
	EventTypeOrderStatusChangedToAwaitingValidation = "OrderStatusChangedToAwaitingValidationIntegrationEvent"
	EventTypeOrderStockConfirmed                    = "OrderStockConfirmedIntegrationEvent"
	EventTypeOrderStockRejected                     = "OrderStockRejectedIntegrationEvent"
	EventTypeOrderStatusChangedToPaid               = "OrderStatusChangedToPaidIntegrationEvent"
)

// ProductPriceChangedIntegrationEvent announces a catalog price update so
// baskets can reprice their lines.
type ProductPriceChangedIntegrationEvent struct {
	ProductID int             `json:"productId"`
	NewPrice  decimal.Decimal `json:"newPrice"`
	OldPrice  decimal.Decimal `json:"oldPrice"`
}

// OrderStockItem is one order line awaiting stock validation.
type OrderStockItem struct {
	ProductID int `json:"productId"`
	Units     int `json:"units"`
}

// OrderStatusChangedToAwaitingValidationIntegrationEvent asks the catalog
// to confirm stock for every line of an order.
type OrderStatusChangedToAwaitingValidationIntegrationEvent struct {
	OrderID    int              `json:"orderId"`
	StockItems []OrderStockItem `json:"orderStockItems"`
}

// ConfirmedOrderStockItem is the per-line validation verdict.
type ConfirmedOrderStockItem struct {
	ProductID int  `json:"productId"`
	HasStock  bool `json:"hasStock"`
}

// OrderStockConfirmedIntegrationEvent reports that every line has stock.
type OrderStockConfirmedIntegrationEvent struct {
	OrderID int `json:"orderId"`
}

// OrderStockRejectedIntegrationEvent reports the lines that failed stock
// validation alongside the ones that passed.
type OrderStockRejectedIntegrationEvent struct {
	OrderID    int                       `json:"orderId"`
	StockItems []ConfirmedOrderStockItem `json:"orderStockItems"`
}

// OrderStatusChangedToPaidIntegrationEvent triggers the stock deduction for
// a paid order.
type OrderStatusChangedToPaidIntegrationEvent struct {
	OrderID    int              `json:"orderId"`
	StockItems []OrderStockItem `json:"orderStockItems"`
}
