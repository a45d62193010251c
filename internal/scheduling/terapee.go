// Package scheduling books appointments for completed registrations.
//
// It provides a Terapee HTTP client and a cron-driven consumer that turns
// requested time preferences into bookings.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultBookTimeout bounds booking API calls.
const DefaultBookTimeout = 15 * time.Second

// ErrBookingRejected marks a booking the clinic system refused outright.
// Rejected bookings are not retried.
var ErrBookingRejected = errors.New("booking rejected")

// BookingRequest describes an appointment to book.
type BookingRequest struct {
	Phone     string
	Name      string
	Requested string // free-text preferred time captured from the patient
	Notes     string
}

// BookingResult is the clinic system's answer to a booking.
type BookingResult struct {
	AppointmentID string
	ScheduledFor  string
}

// Booker is the clinic-system capability used by the consumer.
type Booker interface {
	Book(ctx context.Context, req BookingRequest) (BookingResult, error)
}

// TerapeeOpts holds configuration options for the Terapee client.
type TerapeeOpts struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// TerapeeOption defines a configuration option for the Terapee client.
type TerapeeOption func(*TerapeeOpts)

// WithTerapeeBaseURL sets the Terapee API base URL.
func WithTerapeeBaseURL(base string) TerapeeOption {
	return func(o *TerapeeOpts) {
		o.BaseURL = base
	}
}

// WithTerapeeToken sets the Terapee API Bearer token.
func WithTerapeeToken(token string) TerapeeOption {
	return func(o *TerapeeOpts) {
		o.Token = token
	}
}

// WithTerapeeHTTPClient overrides the HTTP client used for API calls.
func WithTerapeeHTTPClient(c *http.Client) TerapeeOption {
	return func(o *TerapeeOpts) {
		o.HTTPClient = c
	}
}

// TerapeeClient books appointments through the Terapee HTTP API.
type TerapeeClient struct {
	opts   TerapeeOpts
	client *http.Client
}

// NewTerapeeClient creates a Terapee client. Environment variables
// TERAPEE_API_URL and TERAPEE_API_TOKEN supply defaults for unset options.
func NewTerapeeClient(opts ...TerapeeOption) (*TerapeeClient, error) {
	cfg := TerapeeOpts{
		BaseURL: os.Getenv("TERAPEE_API_URL"),
		Token:   os.Getenv("TERAPEE_API_TOKEN"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("terapee client requires a base URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultBookTimeout}
	}
	slog.Debug("Terapee client created", "base_url_set", cfg.BaseURL != "", "token_set", cfg.Token != "")
	return &TerapeeClient{opts: cfg, client: client}, nil
}

type terapeeBookRequest struct {
	Phone     string `json:"phone"`
	Name      string `json:"name,omitempty"`
	Requested string `json:"requested"`
	Notes     string `json:"notes,omitempty"`
}

type terapeeBookResponse struct {
	ID           string `json:"id"`
	ScheduledFor string `json:"scheduled_for"`
}

// Book creates an appointment. A 4xx response wraps ErrBookingRejected; other
// failures are transient and safe to retry.
func (c *TerapeeClient) Book(ctx context.Context, req BookingRequest) (BookingResult, error) {
	body, err := json.Marshal(terapeeBookRequest{
		Phone:     req.Phone,
		Name:      req.Name,
		Requested: req.Requested,
		Notes:     req.Notes,
	})
	if err != nil {
		return BookingResult{}, fmt.Errorf("failed to marshal booking request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return BookingResult{}, fmt.Errorf("failed to build booking request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return BookingResult{}, fmt.Errorf("terapee API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return BookingResult{}, fmt.Errorf("terapee returned status %d: %s: %w", resp.StatusCode, string(snippet), ErrBookingRejected)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return BookingResult{}, fmt.Errorf("terapee returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed terapeeBookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return BookingResult{}, fmt.Errorf("failed to decode terapee response: %w", err)
	}

	slog.Debug("Terapee booking created", "appointment_id", parsed.ID)
	return BookingResult{AppointmentID: parsed.ID, ScheduledFor: parsed.ScheduledFor}, nil
}
