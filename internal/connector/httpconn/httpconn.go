// Package httpconn implements a Connector backed by a merchant's HTTP API.
// It depends only on net/http: the teacher's pack carries no third-party
// HTTP client for a concern this thin (JSON request/response over a
// configured base URL), so stdlib is the idiomatic choice here (see
// DESIGN.md).
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/model"
)

// Connector calls a merchant's HTTP API for search/order.
type Connector struct {
	id           string
	baseURL      string
	capabilities []connector.Capability
	client       *http.Client
}

// New constructs an HTTP-backed Connector. client defaults to
// http.DefaultClient when nil.
func New(id, baseURL string, capabilities []connector.Capability, client *http.Client) *Connector {
	if client == nil {
		client = http.DefaultClient
	}
	return &Connector{id: id, baseURL: baseURL, capabilities: capabilities, client: client}
}

func (c *Connector) ID() string                           { return c.id }
func (c *Connector) Capabilities() []connector.Capability { return c.capabilities }

type searchRequest struct {
	Query    string         `json:"query"`
	Quantity float64        `json:"quantity"`
	Hints    map[string]any `json:"hints,omitempty"`
}

type searchResponse struct {
	Products []model.Product `json:"products"`
}

// Search implements connector.Connector.
func (c *Connector) Search(ctx context.Context, query string, qty float64, hints map[string]any) ([]model.Product, error) {
	body, err := json.Marshal(searchRequest{Query: query, Quantity: qty, Hints: hints})
	if err != nil {
		return nil, connector.NewWithCause(connector.KindPermanent, "encode search request", err)
	}
	var out searchResponse
	if err := c.do(ctx, "/search", body, &out); err != nil {
		return nil, err
	}
	for i := range out.Products {
		out.Products[i].ConnectorID = c.id
	}
	return out.Products, nil
}

type orderRequest struct {
	ExternalID string             `json:"external_id"`
	Quantity   float64            `json:"quantity"`
	User       model.UserContext  `json:"user"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

// Order implements connector.Connector. OTP is not modeled over this transport
// binding; merchants requiring it are expected to expose it via their own
// webhook and are out of scope for this illustrative binding.
func (c *Connector) Order(ctx context.Context, product model.Product, quantity float64, user model.UserContext, _ connector.OTPChannel) (string, error) {
	body, err := json.Marshal(orderRequest{ExternalID: product.ExternalID, Quantity: quantity, User: user})
	if err != nil {
		return "", connector.NewWithCause(connector.KindPermanent, "encode order request", err)
	}
	var out orderResponse
	if err := c.do(ctx, "/order", body, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

func (c *Connector) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return connector.NewWithCause(connector.KindPermanent, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return connector.New(connector.KindUnavailable, "deadline exceeded")
		}
		return connector.NewWithCause(connector.KindUnavailable, "transport error", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return connector.NewWithCause(connector.KindPermanent, "decode response", err)
		}
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return connector.New(connector.KindAuthRequired, "authorization required")
	case http.StatusConflict:
		return connector.New(connector.KindOutOfStock, "out of stock")
	case http.StatusTooManyRequests:
		return connector.New(connector.KindRateLimited, "rate limited")
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return connector.New(connector.KindUnavailable, "service unavailable")
	default:
		return connector.New(connector.KindTransient, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}
