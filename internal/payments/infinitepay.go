// Package payments provides the InfinitePay adapter used to generate
// consultation payment links for completed registrations.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/saudezap/secretaria/internal/flow"
)

// Provider is the provider name recorded on payments created by this adapter.
const Provider = "infinitepay"

// DefaultHTTPTimeout bounds payment API calls.
const DefaultHTTPTimeout = 15 * time.Second

// Opts holds configuration options for the InfinitePay adapter.
type Opts struct {
	DeeplinkBase string // checkout deeplink base URL; deeplink mode when set
	APIBaseURL   string // HTTP API base URL; API mode when deeplink base is empty
	APIKey       string // Bearer key for API mode
	ResultURL    string // optional redirect after checkout
	HTTPClient   *http.Client
}

// Option defines a configuration option for the InfinitePay adapter.
type Option func(*Opts)

// WithDeeplinkBase sets the checkout deeplink base URL.
func WithDeeplinkBase(base string) Option {
	return func(o *Opts) {
		o.DeeplinkBase = base
	}
}

// WithAPIBaseURL sets the HTTP API base URL.
func WithAPIBaseURL(base string) Option {
	return func(o *Opts) {
		o.APIBaseURL = base
	}
}

// WithAPIKey sets the Bearer key for API mode.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithResultURL sets the post-checkout redirect URL.
func WithResultURL(u string) Option {
	return func(o *Opts) {
		o.ResultURL = u
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// InfinitePay creates payment links either by assembling a checkout deeplink
// locally or by calling the InfinitePay HTTP API. It implements
// flow.PaymentCreator.
type InfinitePay struct {
	opts   Opts
	client *http.Client
}

// NewInfinitePay creates an InfinitePay adapter. Environment variables
// INFINITEPAY_DEEPLINK_BASE, INFINITEPAY_API_URL, INFINITEPAY_API_KEY and
// INFINITEPAY_RESULT_URL supply defaults for unset options. At least one of
// the deeplink base and the API base URL is required.
func NewInfinitePay(opts ...Option) (*InfinitePay, error) {
	cfg := Opts{
		DeeplinkBase: os.Getenv("INFINITEPAY_DEEPLINK_BASE"),
		APIBaseURL:   os.Getenv("INFINITEPAY_API_URL"),
		APIKey:       os.Getenv("INFINITEPAY_API_KEY"),
		ResultURL:    os.Getenv("INFINITEPAY_RESULT_URL"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DeeplinkBase == "" && cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("infinitepay adapter requires a deeplink base or an API base URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	slog.Debug("InfinitePay adapter created",
		"deeplink_mode", cfg.DeeplinkBase != "",
		"api_url_set", cfg.APIBaseURL != "",
		"api_key_set", cfg.APIKey != "")
	return &InfinitePay{opts: cfg, client: client}, nil
}

// CreatePayment produces a payment link for the given request. Deeplink mode
// assembles the URL locally and never fails after construction; API mode posts
// to /payments and accepts url, payment_url or checkout_url in the response.
func (p *InfinitePay) CreatePayment(ctx context.Context, req flow.PaymentRequest) (flow.PaymentResult, error) {
	if p.opts.DeeplinkBase != "" {
		return p.deeplink(req)
	}
	return p.apiCreate(ctx, req)
}

func (p *InfinitePay) deeplink(req flow.PaymentRequest) (flow.PaymentResult, error) {
	u, err := url.Parse(p.opts.DeeplinkBase)
	if err != nil {
		return flow.PaymentResult{}, fmt.Errorf("invalid infinitepay deeplink base: %w", err)
	}
	q := u.Query()
	q.Set("amount", strconv.Itoa(req.AmountCents))
	q.Set("order_id", req.OrderID)
	if p.opts.ResultURL != "" {
		q.Set("result_url", p.opts.ResultURL)
	}
	u.RawQuery = q.Encode()

	slog.Debug("InfinitePay deeplink assembled", "order_id", req.OrderID, "amount_cents", req.AmountCents)
	return flow.PaymentResult{Provider: Provider, URL: u.String(), OrderID: req.OrderID}, nil
}

type apiCreateRequest struct {
	AmountCents int    `json:"amount"`
	OrderID     string `json:"order_id"`
	Description string `json:"description,omitempty"`
	Phone       string `json:"phone,omitempty"`
	ResultURL   string `json:"result_url,omitempty"`
}

func (p *InfinitePay) apiCreate(ctx context.Context, req flow.PaymentRequest) (flow.PaymentResult, error) {
	body, err := json.Marshal(apiCreateRequest{
		AmountCents: req.AmountCents,
		OrderID:     req.OrderID,
		Description: req.Description,
		Phone:       req.Phone,
		ResultURL:   p.opts.ResultURL,
	})
	if err != nil {
		return flow.PaymentResult{}, fmt.Errorf("failed to marshal infinitepay request: %w", err)
	}

	endpoint := p.opts.APIBaseURL + "/payments"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return flow.PaymentResult{}, fmt.Errorf("failed to build infinitepay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return flow.PaymentResult{}, fmt.Errorf("infinitepay API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("InfinitePay API returned non-success status", "status", resp.StatusCode, "order_id", req.OrderID)
		return flow.PaymentResult{}, fmt.Errorf("infinitepay API returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return flow.PaymentResult{}, fmt.Errorf("failed to decode infinitepay response: %w", err)
	}
	link := firstString(parsed, "url", "payment_url", "checkout_url")
	if link == "" {
		return flow.PaymentResult{}, fmt.Errorf("infinitepay response carries no payment URL")
	}

	slog.Debug("InfinitePay payment created", "order_id", req.OrderID)
	return flow.PaymentResult{Provider: Provider, URL: link, OrderID: req.OrderID}, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
