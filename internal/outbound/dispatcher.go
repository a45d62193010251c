// Package outbound enforces per-phone send deduplication and backoff before
// any message reaches the transport.
package outbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saudezap/secretaria/internal/flow"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/store"
)

const (
	// DefaultBackoff is the minimum interval between identical sends to one phone.
	DefaultBackoff = 10 * time.Second
	// DefaultSendTimeout bounds one transport round trip.
	DefaultSendTimeout = 15 * time.Second
)

// Sender is the transport capability the dispatcher needs.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Opts holds dispatcher configuration.
type Opts struct {
	Backoff     time.Duration
	SendTimeout time.Duration
	QuietMode   bool
}

// Option configures the dispatcher.
type Option func(*Opts)

// WithBackoff overrides the duplicate-send backoff interval.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Backoff = d
		}
	}
}

// WithSendTimeout overrides the transport timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// WithQuietMode enables dry-run operation: every send is logged and refused,
// leaving both the transport and the outbound markers untouched.
func WithQuietMode(quiet bool) Option {
	return func(o *Opts) { o.QuietMode = quiet }
}

type sentEntry struct {
	text string
	at   time.Time
}

// Dispatcher is the last gate before the transport. It suppresses repeats of
// the last sent text within the backoff window, consulting both an in-process
// cache and the durable record, and updates the outbound markers
// optimistically on every accepted send.
type Dispatcher struct {
	sender Sender
	regs   store.RegistrationStore
	opts   Opts

	mu       sync.Mutex
	lastSent map[string]sentEntry
}

// NewDispatcher creates a dispatcher over the given transport and store.
func NewDispatcher(sender Sender, regs store.RegistrationStore, opts ...Option) *Dispatcher {
	o := Opts{Backoff: DefaultBackoff, SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		sender:   sender,
		regs:     regs,
		opts:     o,
		lastSent: make(map[string]sentEntry),
	}
}

// ShouldSend reports whether candidate may go out to phone now. rec may be
// nil; the durable markers are then not consulted.
func (d *Dispatcher) ShouldSend(phone, candidate string, rec *models.RegistrationRecord, now time.Time) bool {
	if candidate == "" || d.opts.QuietMode {
		return false
	}
	d.mu.Lock()
	entry, ok := d.lastSent[phone]
	d.mu.Unlock()
	if ok && entry.text == candidate && now.Sub(entry.at) < d.opts.Backoff {
		return false
	}
	if rec != nil {
		if candidate == rec.LastSentQuestion && now.Sub(time.Unix(rec.LastSentAt, 0)) < d.opts.Backoff {
			return false
		}
		if rec.LastOutbound != nil && candidate == rec.LastOutbound.Text && now.Sub(time.Unix(rec.LastOutbound.Time, 0)) < d.opts.Backoff {
			return false
		}
	}
	return true
}

// Dispatch sends one action to a phone. Returns whether a send was accepted
// and marked; in quiet mode nothing is accepted and state stays untouched.
// Transport failures are logged, never returned: markers are updated
// optimistically so webhook retries cannot trigger duplicate sends.
func (d *Dispatcher) Dispatch(ctx context.Context, phone string, action *flow.Action, rec *models.RegistrationRecord, now time.Time) bool {
	if action == nil || action.Text == "" {
		return false
	}
	if d.opts.QuietMode {
		slog.Info("Dispatcher quiet mode, send refused", "phone", phone, "kind", action.Kind, "textLen", len(action.Text))
		return false
	}
	if !d.ShouldSend(phone, action.Text, rec, now) {
		slog.Info("Dispatcher send suppressed", "phone", phone, "kind", action.Kind, "textLen", len(action.Text))
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	err := d.sender.SendMessage(sendCtx, phone, action.Text)
	cancel()
	if err != nil {
		slog.Error("Dispatcher transport send failed", "error", err, "phone", phone, "kind", action.Kind)
	} else {
		slog.Info("Dispatcher sent message", "phone", phone, "kind", action.Kind, "textLen", len(action.Text))
	}

	d.RecordSent(phone, action, now)
	return true
}

// RecordSent updates the in-process cache and the durable outbound markers.
func (d *Dispatcher) RecordSent(phone string, action *flow.Action, now time.Time) {
	d.mu.Lock()
	d.lastSent[phone] = sentEntry{text: action.Text, at: now}
	d.mu.Unlock()

	_, err := d.regs.Upsert(phone, func(rec *models.RegistrationRecord) error {
		rec.LastOutbound = &models.OutboundMarker{Time: now.Unix(), Text: action.Text}
		if action.Question != "" {
			rec.LastSentQuestion = action.Question
			rec.LastSentAt = now.Unix()
		}
		return nil
	})
	if err != nil {
		slog.Error("Dispatcher failed to persist outbound markers", "error", err, "phone", phone)
	}
}
