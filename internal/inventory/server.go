package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stockPrefix = "stock:"

type Server struct {
	Rdb redis.Cmdable
	Log *zap.SugaredLogger
}

func NewServer(rdb redis.Cmdable, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{Rdb: rdb, Log: log}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/inventory", s.handleCheck)
	mux.HandleFunc("PUT /api/inventory/{skuCode}", s.handleSetStock)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// InStock reports whether at least quantity units of sku are held. Unknown
// skus hold nothing.
func (s *Server) InStock(ctx context.Context, sku string, quantity int) (bool, error) {
	n, err := s.Rdb.Get(ctx, stockPrefix+sku).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= int64(quantity), nil
}

func (s *Server) SetStock(ctx context.Context, sku string, quantity int64) error {
	return s.Rdb.Set(ctx, stockPrefix+sku, quantity, 0).Err()
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	sku := strings.TrimSpace(r.URL.Query().Get("skuCode"))
	if sku == "" {
		http.Error(w, "skuCode required", http.StatusBadRequest)
		return
	}
	qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || qty < 1 {
		http.Error(w, "quantity must be a positive integer", http.StatusBadRequest)
		return
	}
	ok, err := s.InStock(r.Context(), sku, qty)
	if err != nil {
		s.Log.Errorw("stock_lookup_error", "sku", sku, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ok)
}

func (s *Server) handleSetStock(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("skuCode")
	var body struct {
		Quantity *int64 `json:"quantity"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil || body.Quantity == nil || *body.Quantity < 0 {
		http.Error(w, "quantity must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if err := s.SetStock(r.Context(), sku, *body.Quantity); err != nil {
		s.Log.Errorw("stock_update_error", "sku", sku, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.Log.Infow("stock_updated", "sku", sku, "quantity", *body.Quantity)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"skuCode": sku, "quantity": *body.Quantity})
}
