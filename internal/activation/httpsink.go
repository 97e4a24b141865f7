package activation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

// HTTPSink posts signed activation commands to a downstream endpoint.
// Receivers verify X-Signature, an HMAC-SHA256 over
// "<X-Timestamp>.<payment id>.<body>", and deduplicate on X-Idempotency-Key.
type HTTPSink struct {
	url    string
	secret string
	client resilience.HTTPClient
	logger zerolog.Logger
	now    func() time.Time
}

// HTTPSinkOptions configures an HTTPSink.
type HTTPSinkOptions struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Breaker   *resilience.Breaker
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// NewHTTPSink validates the endpoint and builds the sink.
func NewHTTPSink(opts HTTPSinkOptions) (*HTTPSink, error) {
	if err := validateURL(opts.URL); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(5, 0.5, 30*time.Second)
	}
	return &HTTPSink{
		url:    opts.URL,
		secret: opts.Secret,
		client: resilience.HTTPClient{
			Client:  &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker: breaker.WithTarget("activation").WithLogger(opts.Logger),
			Target:  "activation",
			Logger:  opts.Logger,
			Timeout: timeout,
		},
		logger: opts.Logger,
		now:    time.Now,
	}, nil
}

// Activate posts cmd; any non-2xx answer is an error.
func (s *HTTPSink) Activate(ctx context.Context, cmd Command) error {
	ctx, span := otel.Tracer("activation.HTTPSink").Start(ctx, "HTTPSink.Activate")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", cmd.PaymentID))

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("activation: encode command: %w", err)
	}
	ts := s.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("activation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nexus-finance-activation/1.0")
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", cmd.PaymentID)
	req.Header.Set("X-Signature", ComputeSignature(s.secret, ts, cmd.PaymentID, body))

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		obs.ActivationTotal.WithLabelValues("http", "error").Inc()
		return fmt.Errorf("activation: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		obs.ActivationTotal.WithLabelValues("http", "rejected").Inc()
		return fmt.Errorf("activation: endpoint responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	obs.ActivationTotal.WithLabelValues("http", "ok").Inc()
	s.logger.Info().Str("payment_id", cmd.PaymentID).Int("status", resp.StatusCode).Msg("activation_delivered")
	return nil
}

// ComputeSignature returns the hex HMAC-SHA256 of "<ts>.<paymentID>.<body>".
func ComputeSignature(secret string, ts int64, paymentID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(paymentID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("activation: invalid endpoint url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("activation: endpoint url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if host := parsed.Hostname(); host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return errors.New("activation: plain http endpoint only allowed for localhost")
	default:
		return errors.New("activation: endpoint url must be http or https")
	}
}
