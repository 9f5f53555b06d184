package order

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"lifecontrol/internal/orderstore"
	"lifecontrol/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Placer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (Placement, error)
}

type Reader interface {
	Get(ctx context.Context, orderNumber string) (types.Order, error)
	List(ctx context.Context, limit int) ([]types.Order, error)
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type PlaceResponse struct {
	OrderNumber  string `json:"orderNumber"`
	Notification string `json:"notification"`
}

type Handlers struct {
	Placer Placer
	Orders Reader
	Log    *zap.SugaredLogger
}

// NewEngine builds the order service's gin engine with tracing, panic
// recovery and request logging installed. extra handlers are mounted as-is,
// for example /metrics.
func NewEngine(service string, h *Handlers, extra map[string]http.Handler) *gin.Engine {
	registerMoney.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
			_ = v.RegisterValidation("money", validMoney)
		}
	})
	r := gin.New()
	r.Use(otelgin.Middleware(service), gin.Recovery(), requestLog(h.Log))
	h.Register(r)
	for path, handler := range extra {
		r.GET(path, gin.WrapH(handler))
	}
	return r
}

var (
	registerMoney sync.Once

	// prices must fit the orders.price numeric(19,2) column unchanged
	maxPrice = decimal.New(1, 17)
)

const priceScale = 2

// decimalValue hands decimal fields to the validator in their exact string
// form.
func decimalValue(v reflect.Value) any {
	d, ok := v.Interface().(decimal.Decimal)
	if !ok {
		return nil
	}
	return d.String()
}

// validMoney accepts a positive amount with at most two decimal places that
// is below maxPrice.
func validMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return d.IsPositive() && d.Equal(d.Truncate(priceScale)) && d.LessThan(maxPrice)
}

func (h *Handlers) Register(r gin.IRouter) {
	g := r.Group("/api/order")
	g.POST("", h.HandlePlace)
	g.GET("", h.HandleList)
	g.GET("/:orderNumber", h.HandleGet)
}

// HandlePlace handles POST /api/order.
//
//	201 PlaceResponse, notification is "failed" when the order was stored
//	    but its event could not be published
//	400 invalid body
//	409 out of stock
//	503 inventory unavailable
//	500 storage or internal failure
func (h *Handlers) HandlePlace(c *gin.Context) {
	var req types.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	p, err := h.Placer.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		status, code := placeStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			msg = "order could not be placed"
		}
		c.JSON(status, ErrorResponse{Error: msg, Code: code})
		return
	}

	resp := PlaceResponse{OrderNumber: p.Order.OrderNumber, Notification: "sent"}
	if p.NotificationErr != nil {
		resp.Notification = "failed"
	}
	c.JSON(http.StatusCreated, resp)
}

func placeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOutOfStock):
		return http.StatusConflict, "OUT_OF_STOCK"
	case errors.Is(err, ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE"
	case errors.Is(err, ErrStorage):
		return http.StatusInternalServerError, "STORAGE_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) HandleGet(c *gin.Context) {
	o, err := h.Orders.Get(c.Request.Context(), c.Param("orderNumber"))
	if errors.Is(err, orderstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "order not found", Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		h.Log.Errorw("order_get_error", "order", c.Param("orderNumber"), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handlers) HandleList(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_REQUEST"})
			return
		}
		limit = min(n, maxListLimit)
	}
	orders, err := h.Orders.List(c.Request.Context(), limit)
	if err != nil {
		h.Log.Errorw("order_list_error", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"items": orders})
}

func requestLog(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("http_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"remote", c.ClientIP(),
		)
	}
}
