// Package intake runs the shared inbound pipeline: guard classification,
// field extraction, dialogue advancement, and at most one dispatched reply
// per genuine patient message. Both the HTTP webhook and the transport event
// bridge feed it.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saudezap/secretaria/internal/extract"
	"github.com/saudezap/secretaria/internal/flow"
	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/outbound"
	"github.com/saudezap/secretaria/internal/store"
)

// Pipeline holds the components one inbound event flows through.
type Pipeline struct {
	regs       store.RegistrationStore
	guard      *inbound.Guard
	extractor  extract.Extractor
	engine     *flow.Engine
	dispatcher *outbound.Dispatcher
}

// NewPipeline assembles the inbound pipeline.
func NewPipeline(regs store.RegistrationStore, guard *inbound.Guard, extractor extract.Extractor, engine *flow.Engine, dispatcher *outbound.Dispatcher) *Pipeline {
	return &Pipeline{
		regs:       regs,
		guard:      guard,
		extractor:  extractor,
		engine:     engine,
		dispatcher: dispatcher,
	}
}

// Outcome reports what one processed inbound event did. Ignored is set when
// the guard rejected the event; Record and Extracted are set otherwise.
type Outcome struct {
	Ignored   models.IgnoreReason
	Record    *models.RegistrationRecord
	Extracted bool
}

// Process applies one normalized inbound message. The guard runs before any
// write so rejected events, blocked phones included, never create records.
func (p *Pipeline) Process(ctx context.Context, msg *models.InboundMessage, now time.Time) (Outcome, error) {
	rec, err := p.regs.Get(msg.Phone)
	if err != nil {
		return Outcome{}, fmt.Errorf("load registration: %w", err)
	}

	if reason, genuine := p.guard.Classify(msg, rec, now); !genuine {
		slog.Info("Pipeline event ignored", "phone", msg.Phone, "reason", reason)
		return Outcome{Ignored: reason}, nil
	}

	var fields *extract.Fields
	if p.extractor != nil {
		extracted, xerr := p.extractor.Extract(ctx, msg.Text)
		if xerr != nil {
			// Extraction failures fall back to positional interpretation
			// inside the engine and are never surfaced to the caller.
			slog.Warn("Pipeline extraction failed", "error", xerr, "phone", msg.Phone)
		} else {
			fields = extracted
		}
	}

	// Record mutations carry the payload timestamp when the gateway supplied
	// one; guard windows and dispatch backoff stay on the local clock.
	eventTime := now
	if msg.Timestamp > 0 {
		eventTime = time.Unix(msg.Timestamp, 0)
	}

	var action *flow.Action
	updated, err := p.regs.Upsert(msg.Phone, func(rec *models.RegistrationRecord) error {
		if rec.InitiatedBy == "" {
			rec.InitiatedBy = "patient"
		}
		a, aerr := p.engine.Advance(ctx, rec, msg.Text, fields, eventTime)
		if aerr != nil {
			return aerr
		}
		action = a
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("advance dialogue: %w", err)
	}

	if action != nil {
		p.dispatcher.Dispatch(ctx, msg.Phone, action, updated, now)
	}

	return Outcome{Record: updated, Extracted: fields != nil}, nil
}
