// Package gateway talks to the Mercado Pago payments API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

const (
	// DefaultBaseURL is the public Mercado Pago API endpoint.
	DefaultBaseURL = "https://api.mercadopago.com"
	breakerTarget  = "mercadopago"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	Breaker     *resilience.Breaker
	Transport   http.RoundTripper
	Logger      zerolog.Logger
}

// Client is a Mercado Pago REST client. Every call is bounded by the
// configured timeout and guarded by a circuit breaker; calls are never
// retried.
type Client struct {
	baseURL string
	token   string
	http    resilience.HTTPClient
	logger  zerolog.Logger
	newKey  func() string
}

// New constructs a Client from opts.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(10, 0.5, 30*time.Second)
	}
	breaker = breaker.WithTarget(breakerTarget).WithLogger(opts.Logger)

	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(opts.AccessToken),
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     breaker,
			Target:      breakerTarget,
			Logger:      opts.Logger,
			MaxAttempts: 1,
			Timeout:     timeout,
		},
		logger: opts.Logger,
		newKey: uuid.NewString,
	}
}

// CreatePayment creates a payment. A fresh X-Idempotency-Key is sent with
// each call.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	wire, err := sendRequest[wireCreateRequest, wirePayment](c, ctx, "create_payment", http.MethodPost, "/v1/payments", ptr(toWire(req)))
	if err != nil {
		return nil, err
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("%w: create_payment: missing id", ErrMalformedResponse)
	}
	return wire.toPayment(), nil
}

// GetPayment fetches the authoritative state of a payment. A 404 from the
// gateway matches ErrNotFound.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("gateway: empty payment id")
	}
	wire, err := sendRequest[struct{}, wirePayment](c, ctx, "get_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if wire.ID == "" {
		wire.ID = flexID(id)
	}
	return wire.toPayment(), nil
}

func sendRequest[Req any, Resp any](c *Client, ctx context.Context, op, method, path string, body *Req) (*Resp, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		httpReq.Header.Set("X-Idempotency-Key", c.newKey())
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, httpReq)
	obs.GatewayRequestLatency.WithLabelValues(op).Observe(obs.DurationMillis(time.Since(start)))
	if err != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, "transport_error").Inc()
		c.logger.Error().Err(err).Str("operation", op).Msg("gateway_request_failed")
		return nil, fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, "transport_error").Inc()
		return nil, fmt.Errorf("gateway: read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newAPIError(resp.StatusCode, data)
		obs.GatewayRequestTotal.WithLabelValues(op, statusClass(resp.StatusCode)).Inc()
		evt := c.logger.Warn()
		if resp.StatusCode >= http.StatusInternalServerError {
			evt = c.logger.Error()
		}
		evt.Int("status", resp.StatusCode).Str("operation", op).Str("code", apiErr.Code).Msg("gateway_request_rejected")
		return nil, apiErr
	}

	var out Resp
	if err := json.Unmarshal(data, &out); err != nil {
		obs.GatewayRequestTotal.WithLabelValues(op, "malformed").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	obs.GatewayRequestTotal.WithLabelValues(op, "ok").Inc()
	return &out, nil
}

func statusClass(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found"
	case code >= 500:
		return "5xx"
	default:
		return "4xx"
	}
}

func ptr[T any](v T) *T { return &v }

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
