package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/saudezap/secretaria/internal/messaging"
	"github.com/saudezap/secretaria/internal/models"
)

// Bridge consumes the messaging service's event channels: inbound responses
// are fed through the pipeline and receipts are drained so senders never
// block on an unread channel. Transports whose inbound traffic arrives over
// HTTP leave the response channel idle and the bridge only drains receipts.
type Bridge struct {
	svc      messaging.Service
	pipeline *Pipeline
	done     chan struct{}
}

// NewBridge creates a bridge from the service's channels into the pipeline.
func NewBridge(svc messaging.Service, pipeline *Pipeline) *Bridge {
	return &Bridge{
		svc:      svc,
		pipeline: pipeline,
		done:     make(chan struct{}),
	}
}

// Start begins consuming events until the context is cancelled or both
// channels close.
func (b *Bridge) Start(ctx context.Context) {
	slog.Info("Bridge starting event consumption")
	go b.run(ctx)
}

// Wait blocks until the consumption loop has exited.
func (b *Bridge) Wait() {
	<-b.done
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	defer slog.Info("Bridge stopped event consumption")

	responses := b.svc.Responses()
	receipts := b.svc.Receipts()
	for {
		if responses == nil && receipts == nil {
			return
		}
		select {
		case response, ok := <-responses:
			if !ok {
				slog.Debug("Bridge responses channel closed")
				responses = nil
				continue
			}
			b.processResponse(ctx, response)
		case receipt, ok := <-receipts:
			if !ok {
				slog.Debug("Bridge receipts channel closed")
				receipts = nil
				continue
			}
			slog.Debug("Bridge receipt drained", "to", receipt.To, "status", receipt.Status)
		case <-ctx.Done():
			slog.Debug("Bridge stopping due to context cancellation")
			return
		}
	}
}

// processResponse runs one transport-delivered message through the pipeline.
func (b *Bridge) processResponse(ctx context.Context, response models.Response) {
	phone, err := b.svc.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("Bridge dropping response with invalid sender", "error", err, "from", response.From)
		return
	}

	msg := &models.InboundMessage{
		Phone:     phone,
		Text:      response.Body,
		Timestamp: response.Time,
	}
	outcome, err := b.pipeline.Process(ctx, msg, time.Now())
	if err != nil {
		slog.Error("Bridge failed to process response", "error", err, "phone", phone)
		return
	}
	if outcome.Ignored != "" {
		slog.Info("Bridge response ignored", "phone", phone, "reason", outcome.Ignored)
	}
}
