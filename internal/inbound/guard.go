package inbound

import (
	"log/slog"
	"sync"
	"time"

	"github.com/saudezap/secretaria/internal/models"
)

const (
	// DefaultEchoTTL is how long an inbound text matching the last outbound
	// text is treated as a gateway echo.
	DefaultEchoTTL = 120 * time.Second
	// DefaultDuplicateWindow is the anti-spam window for repeated inbound text.
	DefaultDuplicateWindow = 20 * time.Second
)

// Cache tracks recently seen message ids and inbound texts per phone. It is an
// in-process optimization layered on top of the durable record, which remains
// authoritative across workers. One instance is injected per worker.
type Cache struct {
	mu          sync.Mutex
	lastMsgID   map[string]string
	lastInbound map[string]seenText
}

type seenText struct {
	text string
	at   time.Time
}

// NewCache creates an empty guard cache.
func NewCache() *Cache {
	return &Cache{
		lastMsgID:   make(map[string]string),
		lastInbound: make(map[string]seenText),
	}
}

// GuardOpts holds configuration for a Guard.
type GuardOpts struct {
	BlockedPhones   map[string]bool
	SuppressFromMe  bool
	EchoTTL         time.Duration
	DuplicateWindow time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*GuardOpts)

// WithBlockedPhones sets the canonical phones the guard rejects outright.
func WithBlockedPhones(phones []string) GuardOption {
	return func(o *GuardOpts) {
		o.BlockedPhones = make(map[string]bool, len(phones))
		for _, p := range phones {
			if canonical, err := CanonicalizePhone(p); err == nil {
				o.BlockedPhones[canonical] = true
			}
		}
	}
}

// WithFromMeSuppression enables or disables dropping self-authored messages.
func WithFromMeSuppression(enabled bool) GuardOption {
	return func(o *GuardOpts) { o.SuppressFromMe = enabled }
}

// WithEchoTTL overrides the outbound-echo suppression window.
func WithEchoTTL(d time.Duration) GuardOption {
	return func(o *GuardOpts) {
		if d > 0 {
			o.EchoTTL = d
		}
	}
}

// WithDuplicateWindow overrides the duplicate-inbound suppression window.
func WithDuplicateWindow(d time.Duration) GuardOption {
	return func(o *GuardOpts) {
		if d > 0 {
			o.DuplicateWindow = d
		}
	}
}

// Guard classifies inbound events as genuine or ignorable. It consults the
// injected cache for message-id and recent-text tracking and the durable
// record for cross-process echo state.
type Guard struct {
	cache *Cache
	opts  GuardOpts
}

// NewGuard creates a Guard backed by the given cache.
func NewGuard(cache *Cache, opts ...GuardOption) *Guard {
	o := GuardOpts{
		SuppressFromMe:  true,
		EchoTTL:         DefaultEchoTTL,
		DuplicateWindow: DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BlockedPhones == nil {
		o.BlockedPhones = make(map[string]bool)
	}
	return &Guard{cache: cache, opts: o}
}

// Classify decides whether an inbound event is a genuine new utterance.
// rec may be nil when no record exists for the phone yet. The first matching
// reason wins; the cache is updated regardless of the outcome.
func (g *Guard) Classify(msg *models.InboundMessage, rec *models.RegistrationRecord, now time.Time) (models.IgnoreReason, bool) {
	reason, genuine := g.classify(msg, rec, now)
	g.remember(msg, now)
	if !genuine {
		slog.Debug("Guard classify ignored", "phone", msg.Phone, "reason", reason, "textLen", len(msg.Text))
	}
	return reason, genuine
}

func (g *Guard) classify(msg *models.InboundMessage, rec *models.RegistrationRecord, now time.Time) (models.IgnoreReason, bool) {
	if msg.StatusEvent {
		return models.IgnoreNonChatEvent, false
	}
	if msg.FromMe && g.opts.SuppressFromMe {
		return models.IgnoreFromMe, false
	}
	if g.opts.BlockedPhones[msg.Phone] {
		return models.IgnoreBlockedPhone, false
	}

	g.cache.mu.Lock()
	lastID, hasID := g.cache.lastMsgID[msg.Phone]
	lastIn, hasIn := g.cache.lastInbound[msg.Phone]
	g.cache.mu.Unlock()

	if msg.MessageID != "" && hasID && lastID == msg.MessageID {
		return models.IgnoreEchoMessageID, false
	}

	normalized := NormalizeText(msg.Text)

	if rec != nil && rec.LastOutbound != nil {
		sentAt := time.Unix(rec.LastOutbound.Time, 0)
		if normalized != "" && normalized == NormalizeText(rec.LastOutbound.Text) && now.Sub(sentAt) <= g.opts.EchoTTL {
			return models.IgnoreEchoMatchOutbound, false
		}
	}

	if normalized != "" {
		if hasIn && normalized == lastIn.text && now.Sub(lastIn.at) <= g.opts.DuplicateWindow {
			return models.IgnoreDuplicateWindow, false
		}
		if rec != nil {
			if last := rec.LastHistoryEntry(); last != nil &&
				normalized == NormalizeText(last.Text) &&
				now.Sub(time.Unix(last.Time, 0)) <= g.opts.DuplicateWindow {
				return models.IgnoreDuplicateWindow, false
			}
		}
	}

	return "", true
}

// remember records the message id and normalized text so redeliveries are
// caught on subsequent calls.
func (g *Guard) remember(msg *models.InboundMessage, now time.Time) {
	if msg.Phone == "" {
		return
	}
	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	if msg.MessageID != "" {
		g.cache.lastMsgID[msg.Phone] = msg.MessageID
	}
	if msg.Text != "" {
		g.cache.lastInbound[msg.Phone] = seenText{text: NormalizeText(msg.Text), at: now}
	}
}
