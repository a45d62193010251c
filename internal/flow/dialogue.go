package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/saudezap/secretaria/internal/extract"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/util"
)

// DefaultSendBackoff is the minimum interval before the same question is
// re-asked to one phone.
const DefaultSendBackoff = 10 * time.Second

// DefaultPaymentAmountCents is the consultation price used when none is
// configured.
const DefaultPaymentAmountCents = 15000

// ActionKind distinguishes the mutually exclusive outbound actions.
type ActionKind string

const (
	ActionQuestion        ActionKind = "question"
	ActionGreeting        ActionKind = "greeting"
	ActionPayment         ActionKind = "payment"
	ActionScheduleConfirm ActionKind = "schedule_confirm"
)

// Action is the at-most-one outbound message computed for a turn. Question
// holds the prompt text embedded in Text (when any) so the dispatcher can
// update the last-sent-question marker.
type Action struct {
	Kind     ActionKind
	Text     string
	Question string
	Field    models.FieldID
}

// PaymentRequest describes a payment to create for a completed registration.
type PaymentRequest struct {
	Phone       string
	AmountCents int
	Description string
	OrderID     string
}

// PaymentResult is the provider's answer to a created payment.
type PaymentResult struct {
	Provider string
	URL      string
	OrderID  string
}

// PaymentCreator is the payment-provider capability used by the engine.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

var smalltalkPattern = regexp.MustCompile(
	`^(?:oi+|ol[áa]|bom dia|boa tarde|boa noite|tudo bem|obrigad[oa])(?:[\s!,.?]+(?:oi+|ol[áa]|bom dia|boa tarde|boa noite|tudo bem|obrigad[oa]))*[\s!,.?]*$`)

// IsSmalltalk reports whether text is a pure greeting/pleasantry. Smalltalk
// is never consumed as a field answer.
func IsSmalltalk(text string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return normalized != "" && smalltalkPattern.MatchString(normalized)
}

// EngineOpts holds dialogue engine configuration.
type EngineOpts struct {
	Greeter            Greeter
	Payments           PaymentCreator
	Backoff            time.Duration
	GreetingDisabled   bool
	PaymentAmountCents int
	PaymentDescription string
}

// EngineOption configures the dialogue engine.
type EngineOption func(*EngineOpts)

// WithGreeter sets the greeting generator capability.
func WithGreeter(g Greeter) EngineOption {
	return func(o *EngineOpts) { o.Greeter = g }
}

// WithPaymentCreator sets the payment-provider capability.
func WithPaymentCreator(p PaymentCreator) EngineOption {
	return func(o *EngineOpts) { o.Payments = p }
}

// WithSendBackoff overrides the question re-ask backoff.
func WithSendBackoff(d time.Duration) EngineOption {
	return func(o *EngineOpts) {
		if d > 0 {
			o.Backoff = d
		}
	}
}

// WithGreetingDisabled turns the greeting path off entirely.
func WithGreetingDisabled(disabled bool) EngineOption {
	return func(o *EngineOpts) { o.GreetingDisabled = disabled }
}

// WithPaymentAmount sets the charged amount and its description.
func WithPaymentAmount(cents int, description string) EngineOption {
	return func(o *EngineOpts) {
		if cents > 0 {
			o.PaymentAmountCents = cents
		}
		if description != "" {
			o.PaymentDescription = description
		}
	}
}

// Engine advances the registration dialogue one genuine inbound event at a
// time. It mutates the record it is given; the caller persists it.
type Engine struct {
	opts EngineOpts
}

// NewEngine creates a dialogue engine.
func NewEngine(opts ...EngineOption) *Engine {
	o := EngineOpts{
		Backoff:            DefaultSendBackoff,
		PaymentAmountCents: DefaultPaymentAmountCents,
		PaymentDescription: "Consulta",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{opts: o}
}

// Advance applies one genuine inbound text to the record and computes at most
// one outbound action. fields carries the extractor's structured result; nil
// means extraction failed or was unavailable, which enables the positional
// heuristic for this turn.
func (e *Engine) Advance(ctx context.Context, rec *models.RegistrationRecord, text string, fields *extract.Fields, now time.Time) (*Action, error) {
	firstContact := len(rec.History) == 0 && !rec.GreetingSent
	smalltalk := IsSmalltalk(text)

	rec.AppendHistory(now.Unix(), text)

	e.applyAnswers(rec, text, fields, smalltalk)
	rec.RecomputeStatus(now.Unix())

	// Preferred-time capture runs before question sequencing: once the
	// record is awaiting a time (including after a rejected booking), the
	// next genuine message is the answer.
	awaitingTime := rec.Scheduling.Status == models.SchedulingAwaitingTime ||
		rec.Scheduling.Status == models.SchedulingFailed
	if awaitingTime && text != "" && !smalltalk {
		rec.Scheduling.Requested = text
		rec.Scheduling.RequestedAt = now.Unix()
		rec.Scheduling.Status = models.SchedulingRequested
		slog.Info("Engine captured preferred time", "phone", rec.Phone)
		return &Action{
			Kind: ActionScheduleConfirm,
			Text: "Perfeito, anotei sua preferência! Vou verificar a agenda e já te confirmo o horário.",
		}, nil
	}

	// Smalltalk on a phone that has not been greeted goes down the greeting
	// path; the next question is joined into the same message so the turn
	// still produces exactly one outbound.
	if smalltalk && e.greetingAvailable(rec) {
		return e.greetingAction(ctx, rec, firstContact, now)
	}

	if action := e.nextQuestionAction(rec, now); action != nil {
		return action, nil
	}

	if e.greetingAvailable(rec) {
		return e.greetingAction(ctx, rec, firstContact, now)
	}

	return e.paymentAction(ctx, rec, now)
}

// applyAnswers merges structured extraction, or falls back to the positional
// heuristic when no structured result is available for this turn.
func (e *Engine) applyAnswers(rec *models.RegistrationRecord, text string, fields *extract.Fields, smalltalk bool) {
	if fields != nil {
		if applied := rec.MergeAnswers(fields.ToAnswers()); applied > 0 {
			slog.Debug("Engine merged structured answers", "phone", rec.Phone, "applied", applied)
		}
		return
	}
	if smalltalk || strings.TrimSpace(text) == "" {
		return
	}
	field, missing := rec.NextMissingField()
	if !missing {
		return
	}
	// Do not consume an echoed prompt as the answer to its own question.
	if text == rec.LastSentQuestion || IsQuestionText(text) {
		slog.Debug("Engine skipped positional answer matching prompt text", "phone", rec.Phone, "field", field)
		return
	}
	rec.Answers[field] = text
	slog.Debug("Engine applied positional answer", "phone", rec.Phone, "field", field)
}

// nextQuestionAction picks the next unanswered field's prompt, suppressing
// echoes and repeats inside the backoff window.
func (e *Engine) nextQuestionAction(rec *models.RegistrationRecord, now time.Time) *Action {
	field, missing := rec.NextMissingField()
	if !missing {
		return nil
	}
	prompt := QuestionFor(field)
	if last := rec.LastHistoryEntry(); last != nil && last.Text == prompt {
		return nil
	}
	if prompt == rec.LastSentQuestion && now.Sub(time.Unix(rec.LastSentAt, 0)) < e.opts.Backoff {
		return nil
	}
	return &Action{Kind: ActionQuestion, Text: prompt, Question: prompt, Field: field}
}

func (e *Engine) greetingAvailable(rec *models.RegistrationRecord) bool {
	return !e.opts.GreetingDisabled && !rec.GreetingSent && e.opts.Greeter != nil
}

// greetingAction produces the one-time greeting, joined with the next
// question when one is pending.
func (e *Engine) greetingAction(ctx context.Context, rec *models.RegistrationRecord, firstContact bool, now time.Time) (*Action, error) {
	text, err := e.opts.Greeter.Greet(ctx, firstContact)
	if err != nil {
		slog.Error("Engine greeting generation failed", "error", err, "phone", rec.Phone)
		// Fall through so the turn is not lost.
		if action := e.nextQuestionAction(rec, now); action != nil {
			return action, nil
		}
		return e.paymentAction(ctx, rec, now)
	}
	rec.GreetingSent = true
	rec.GreetingSentAt = now.Unix()

	action := &Action{Kind: ActionGreeting, Text: text}
	if q := e.nextQuestionAction(rec, now); q != nil {
		action.Text = text + "\n\n" + q.Text
		action.Question = q.Question
		action.Field = q.Field
	}
	return action, nil
}

// paymentAction creates the payment and emits the link plus the
// preferred-time prompt once the registration is complete and consented.
func (e *Engine) paymentAction(ctx context.Context, rec *models.RegistrationRecord, now time.Time) (*Action, error) {
	if rec.Status != models.RegistrationComplete {
		return nil, nil
	}
	if !models.ConsentAffirmative(rec.Answers[models.FieldConsent]) {
		return nil, nil
	}
	if rec.Payment != nil || e.opts.Payments == nil {
		return nil, nil
	}

	req := PaymentRequest{
		Phone:       rec.Phone,
		AmountCents: e.opts.PaymentAmountCents,
		Description: e.opts.PaymentDescription,
		OrderID:     util.GenerateOrderID(),
	}
	result, err := e.opts.Payments.CreatePayment(ctx, req)
	if err != nil {
		// Provider failures never abort the flow; the nudge is retried on
		// the next inbound event.
		slog.Error("Engine payment creation failed", "error", err, "phone", rec.Phone)
		return nil, nil
	}

	rec.Payment = &models.Payment{
		Provider: result.Provider,
		URL:      result.URL,
		OrderID:  result.OrderID,
		Status:   "created",
	}
	rec.Scheduling.Status = models.SchedulingAwaitingTime
	slog.Info("Engine created payment", "phone", rec.Phone, "orderId", result.OrderID)

	text := fmt.Sprintf(
		"Cadastro completo! Para confirmar sua consulta, faça o pagamento pelo link: %s\n\nQual o melhor dia e horário para você?",
		result.URL)
	return &Action{Kind: ActionPayment, Text: text}, nil
}
