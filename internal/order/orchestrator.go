// Package order places customer orders. PlaceOrder checks stock with the
// inventory service, persists the order and then announces it, strictly in
// that order; nothing is written or published for a rejected order.
package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/observability"
	"lifecontrol/internal/types"
)

// InventoryBreaker names the breaker guarding availability checks.
const InventoryBreaker = "inventory"

var (
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrOutOfStock            = errors.New("product is not in stock")
	ErrStorage               = errors.New("order storage failed")
	ErrNotification          = errors.New("order notification failed")
	ErrInternal              = errors.New("internal error")
)

type InventoryChecker interface {
	CheckAvailability(ctx context.Context, sku string, quantity int) (bool, error)
}

type Store interface {
	Insert(ctx context.Context, o types.Order) (types.Order, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// Placement is a persisted order. NotificationErr is set when the order was
// stored but its OrderPlacedEvent could not be handed to the broker.
type Placement struct {
	Order           types.Order
	NotificationErr error
}

type Orchestrator struct {
	Inventory InventoryChecker
	Store     Store
	Publisher Publisher
	Breakers  *breaker.Registry
	Log       *zap.SugaredLogger
	Metrics   *observability.Metrics

	newID  func() (uuid.UUID, error)
	tracer trace.Tracer
}

func New(inv InventoryChecker, store Store, pub Publisher, breakers *breaker.Registry, log *zap.SugaredLogger, m *observability.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		Inventory: inv,
		Store:     store,
		Publisher: pub,
		Breakers:  breakers,
		Log:       log,
		Metrics:   m,
		newID:     uuid.NewV7,
		tracer:    otel.Tracer("lifecontrol/order"),
	}
}

// PlaceOrder runs the placement workflow for req. Errors wrap exactly one of
// ErrDependencyUnavailable, ErrOutOfStock, ErrStorage or ErrInternal. A
// notification failure does not fail the call; see Placement.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req types.OrderRequest) (Placement, error) {
	ctx, span := o.tracer.Start(ctx, "order.place", trace.WithAttributes(
		attribute.String("order.sku", req.SkuCode),
		attribute.Int("order.quantity", req.Quantity),
	))
	defer span.End()

	var inStock bool
	err := o.Breakers.Execute(InventoryBreaker, func() error {
		var err error
		inStock, err = o.Inventory.CheckAvailability(ctx, req.SkuCode, req.Quantity)
		return err
	})
	if err != nil {
		o.Log.Warnw("inventory_check_failed", "sku", req.SkuCode, "error", err)
		return o.fail(span, "dependency_unavailable", fmt.Errorf("%w: inventory: %w", ErrDependencyUnavailable, err))
	}
	if !inStock {
		o.Log.Infow("order_rejected_out_of_stock", "sku", req.SkuCode, "quantity", req.Quantity)
		return o.fail(span, "out_of_stock", fmt.Errorf("%w: %s", ErrOutOfStock, req.SkuCode))
	}

	id, err := o.newID()
	if err != nil {
		o.Log.Errorw("order_number_error", "error", err)
		return o.fail(span, "internal", fmt.Errorf("%w: order number: %w", ErrInternal, err))
	}
	order, err := o.Store.Insert(ctx, types.Order{
		OrderNumber: id.String(),
		SkuCode:     req.SkuCode,
		Quantity:    req.Quantity,
		Price:       req.Price,
	})
	if err != nil {
		o.Log.Errorw("order_persist_error", "order", id.String(), "error", err)
		return o.fail(span, "storage", fmt.Errorf("%w: %w", ErrStorage, err))
	}
	span.SetAttributes(attribute.String("order.number", order.OrderNumber))

	p := Placement{Order: order}
	event := types.OrderPlacedEvent{OrderNumber: order.OrderNumber, Email: req.UserDetails.Email}
	if err := o.Publisher.Publish(ctx, types.TopicOrderPlaced, order.OrderNumber, event); err != nil {
		o.Log.Errorw("order_notification_error", "order", order.OrderNumber, "error", err)
		span.RecordError(err)
		p.NotificationErr = fmt.Errorf("%w: %w", ErrNotification, err)
		o.count("notification_failed")
		return p, nil
	}

	o.Log.Infow("order_placed", "order", order.OrderNumber, "sku", order.SkuCode, "quantity", order.Quantity)
	o.count("placed")
	return p, nil
}

func (o *Orchestrator) fail(span trace.Span, outcome string, err error) (Placement, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	o.count(outcome)
	return Placement{}, err
}

func (o *Orchestrator) count(outcome string) {
	if o.Metrics != nil {
		o.Metrics.OrdersTotal.WithLabelValues(outcome).Inc()
	}
}
