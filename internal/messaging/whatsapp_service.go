package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/saudezap/secretaria/internal/inbound"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // full client, needed for event handling
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient applies the fixed phone policy.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return inbound.CanonicalizePhone(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}
	return nil
}

// Stop stops background processing and closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	slog.Info("WhatsAppService Stop invoked")
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "bodyLen", len(body))
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming message events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// emitReceipt pushes a receipt without ever blocking the sender. The read
// lock is held across the send so Stop cannot close the channel mid-emit.
func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

// emitResponse pushes an inbound message under the same non-blocking policy.
func (s *WhatsAppService) emitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound response (service stopped)", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From)
	}
}

// handleEvents registers a whatsmeow event handler feeding the channels.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		default:
			// Ignore other event types
		}
	})

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage forwards incoming text messages. Self-authored
// messages are dropped here so they never reach the dialogue pipeline.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		slog.Debug("WhatsAppService ignoring own message", "to", evt.Info.Chat.User)
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	from, err := inbound.CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService dropping message with invalid sender", "error", err)
		return
	}

	s.emitResponse(models.Response{
		From: from,
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	})
}

// handleMessageReceipt forwards delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	to, err := inbound.CanonicalizePhone(evt.MessageSource.Sender.User)
	if err != nil {
		return
	}

	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	case events.ReceiptTypeReadSelf:
		return
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type, "to", to)
		return
	}

	s.emitReceipt(models.Receipt{To: to, Status: status, Time: evt.Timestamp.Unix()})
}
