package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/models"
)

// DefaultZAPITimeout bounds one gateway round trip.
const DefaultZAPITimeout = 15 * time.Second

// urlTokenPattern matches a token segment embedded in a Z-API style URL:
// .../instances/{instance}/token/{token}/send-text
var urlTokenPattern = regexp.MustCompile(`/token/([^/]+)`)

// ZAPIOpts holds configuration for the Z-API gateway service.
type ZAPIOpts struct {
	BaseURL     string
	ClientToken string
	Token       string
	HTTPClient  *http.Client
}

// ZAPIOption configures the Z-API gateway service.
type ZAPIOption func(*ZAPIOpts)

// WithZAPIBaseURL sets the gateway endpoint. The path is canonicalized to the
// send-text operation. An empty URL puts the service in stub mode: sends are
// logged and succeed without any network call.
func WithZAPIBaseURL(url string) ZAPIOption {
	return func(o *ZAPIOpts) { o.BaseURL = url }
}

// WithZAPIClientToken sets the account security token sent in the
// Client-Token header. Preferred over the bearer token when both are set.
func WithZAPIClientToken(token string) ZAPIOption {
	return func(o *ZAPIOpts) { o.ClientToken = token }
}

// WithZAPIToken sets the instance token, sent as a bearer token when no
// client token is configured.
func WithZAPIToken(token string) ZAPIOption {
	return func(o *ZAPIOpts) { o.Token = token }
}

// WithZAPIHTTPClient overrides the HTTP client (tests).
func WithZAPIHTTPClient(c *http.Client) ZAPIOption {
	return func(o *ZAPIOpts) { o.HTTPClient = c }
}

// ZAPIService sends messages through a Z-API style WhatsApp HTTP gateway.
// Inbound traffic arrives through the HTTP webhook, not this service, so the
// Responses channel stays idle.
type ZAPIService struct {
	sendURL     string
	clientToken string
	token       string
	httpClient  *http.Client
	receipts    chan models.Receipt
	responses   chan models.Response
	mu          sync.RWMutex
	stopped     bool
}

// NewZAPIService creates the gateway service and canonicalizes the endpoint.
func NewZAPIService(opts ...ZAPIOption) *ZAPIService {
	var cfg ZAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultZAPITimeout}
	}

	sendURL := canonicalizeSendURL(cfg.BaseURL)
	if sendURL == "" {
		slog.Warn("ZAPIService endpoint not configured, running in stub mode")
	} else if m := urlTokenPattern.FindStringSubmatch(sendURL); m != nil && cfg.Token != "" && m[1] != cfg.Token {
		// A token baked into the URL that disagrees with the configured one
		// is the most common misconfiguration with this gateway.
		slog.Warn("ZAPIService token embedded in URL differs from configured token", "urlTokenLen", len(m[1]))
	}

	return &ZAPIService{
		sendURL:     sendURL,
		clientToken: cfg.ClientToken,
		token:       cfg.Token,
		httpClient:  cfg.HTTPClient,
		receipts:    make(chan models.Receipt, DefaultChannelBufferSize),
		responses:   make(chan models.Response, DefaultChannelBufferSize),
	}
}

// canonicalizeSendURL rewrites a configured endpoint to the send-text
// operation, tolerating base URLs and send-message variants.
func canonicalizeSendURL(raw string) string {
	url := strings.TrimRight(strings.TrimSpace(raw), "/")
	if url == "" {
		return ""
	}
	switch {
	case strings.HasSuffix(url, "/send-text"):
		return url
	case strings.HasSuffix(url, "/send-message"):
		return strings.TrimSuffix(url, "/send-message") + "/send-text"
	case strings.HasSuffix(url, "/send-messages"):
		return strings.TrimSuffix(url, "/send-messages") + "/send-text"
	default:
		return url + "/send-text"
	}
}

// ValidateAndCanonicalizeRecipient applies the fixed phone policy.
func (s *ZAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return inbound.CanonicalizePhone(recipient)
}

// SendMessage posts {phone, message} to the gateway.
func (s *ZAPIService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	if s.sendURL == "" {
		slog.Info("ZAPIService stub send", "to", to, "bodyLen", len(body))
		s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
		return nil
	}

	payload, err := json.Marshal(map[string]string{"phone": to, "message": body})
	if err != nil {
		return fmt.Errorf("failed to encode send payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.clientToken != "" {
		req.Header.Set("Client-Token", s.clientToken)
	} else if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("ZAPIService send request failed", "error", err, "to", to)
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(respBody), "Instance not found") {
			slog.Error("ZAPIService instance not found, check instance id and token in the endpoint URL", "status", resp.StatusCode)
			return fmt.Errorf("gateway rejected send: instance not found (status %d)", resp.StatusCode)
		}
		slog.Error("ZAPIService send rejected", "status", resp.StatusCode, "to", to)
		return fmt.Errorf("gateway rejected send with status %d", resp.StatusCode)
	}

	slog.Debug("ZAPIService message sent", "to", to, "bodyLen", len(body))
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Start is a no-op: inbound traffic arrives via the HTTP webhook.
func (s *ZAPIService) Start(ctx context.Context) error { return nil }

// Stop closes the event channels.
func (s *ZAPIService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// Receipts returns the channel of sent receipts.
func (s *ZAPIService) Receipts() <-chan models.Receipt { return s.receipts }

// Responses returns the (idle) channel of inbound messages.
func (s *ZAPIService) Responses() <-chan models.Response { return s.responses }

func (s *ZAPIService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
	}
}
