// Package orderstore persists orders in Postgres.
package orderstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lifecontrol/internal/types"
)

var (
	ErrNotFound  = errors.New("order not found")
	ErrDuplicate = errors.New("order number already exists")
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Insert stores o and returns the row as the database holds it, including
// the creation time it assigned.
func (s *Store) Insert(ctx context.Context, o types.Order) (types.Order, error) {
	row := s.DB.QueryRow(ctx, `
        INSERT INTO orders(order_number, sku_code, quantity, price)
        VALUES($1, $2, $3, $4::numeric)
        RETURNING order_number, sku_code, quantity, price::text, created_at
    `, o.OrderNumber, o.SkuCode, o.Quantity, o.Price.String())
	saved, err := scanOrder(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.Order{}, fmt.Errorf("%w: %s", ErrDuplicate, o.OrderNumber)
		}
		return types.Order{}, fmt.Errorf("insert order %s: %w", o.OrderNumber, err)
	}
	return saved, nil
}

func (s *Store) Get(ctx context.Context, orderNumber string) (types.Order, error) {
	row := s.DB.QueryRow(ctx, `
        SELECT order_number, sku_code, quantity, price::text, created_at
        FROM orders WHERE order_number=$1
    `, orderNumber)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Order{}, fmt.Errorf("%w: %s", ErrNotFound, orderNumber)
	}
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderNumber, err)
	}
	return o, nil
}

// List returns the newest orders first.
func (s *Store) List(ctx context.Context, limit int) ([]types.Order, error) {
	rows, err := s.DB.Query(ctx, `
        SELECT order_number, sku_code, quantity, price::text, created_at
        FROM orders ORDER BY created_at DESC, id DESC LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	items := []types.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return items, nil
}

func scanOrder(row pgx.Row) (types.Order, error) {
	var o types.Order
	var price string
	if err := row.Scan(&o.OrderNumber, &o.SkuCode, &o.Quantity, &price, &o.CreatedAt); err != nil {
		return types.Order{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	o.Price = d
	return o, nil
}
