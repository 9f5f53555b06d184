// Package inventory holds the stock authority the order workflow consults
// before accepting an order: an HTTP client for the availability check and
// the Redis-backed service that answers it.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client whose calls are bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CheckAvailability asks whether quantity units of sku are in stock. A
// non-2xx answer, a transport failure or an unreadable body is an error,
// never a false.
func (c *Client) CheckAvailability(ctx context.Context, sku string, quantity int) (bool, error) {
	q := url.Values{}
	q.Set("skuCode", sku)
	q.Set("quantity", strconv.Itoa(quantity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/inventory?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("inventory request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return false, fmt.Errorf("read inventory response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("inventory status %d", resp.StatusCode)
	}
	var inStock bool
	if err := json.Unmarshal(body, &inStock); err != nil {
		return false, fmt.Errorf("decode inventory response: %w", err)
	}
	return inStock, nil
}
