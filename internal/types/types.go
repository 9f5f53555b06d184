package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TopicOrderPlaced is the topic order notifications are published to.
const TopicOrderPlaced = "order-placed"

type UserDetails struct {
	Email     string `json:"email" binding:"required,email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type OrderRequest struct {
	SkuCode     string          `json:"skuCode" binding:"required"`
	Price       decimal.Decimal `json:"price" binding:"money"`
	Quantity    int             `json:"quantity" binding:"required,gte=1,lte=2147483647"`
	UserDetails UserDetails     `json:"userDetails"`
}

type Order struct {
	OrderNumber string          `json:"orderNumber"`
	SkuCode     string          `json:"skuCode"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type OrderPlacedEvent struct {
	OrderNumber string `json:"orderNumber"`
	Email       string `json:"email"`
}
