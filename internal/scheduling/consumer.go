package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/saudezap/secretaria/internal/models"
	"github.com/saudezap/secretaria/internal/store"
)

// DefaultConsumerSchedule runs the booking scan every minute.
const DefaultConsumerSchedule = "* * * * *"

// Sender is the outbound capability the consumer needs to notify patients.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ConsumerOpts holds configuration options for the registration consumer.
type ConsumerOpts struct {
	Schedule    string
	BookTimeout time.Duration
}

// ConsumerOption defines a configuration option for the registration consumer.
type ConsumerOption func(*ConsumerOpts)

// WithSchedule overrides the cron expression driving the booking scan.
func WithSchedule(expr string) ConsumerOption {
	return func(o *ConsumerOpts) {
		o.Schedule = expr
	}
}

// WithBookTimeout overrides the per-booking call timeout.
func WithBookTimeout(d time.Duration) ConsumerOption {
	return func(o *ConsumerOpts) {
		o.BookTimeout = d
	}
}

// Consumer periodically scans the registration store for requested time
// preferences and books them through the clinic system.
type Consumer struct {
	regs   store.RegistrationStore
	booker Booker
	sender Sender
	opts   ConsumerOpts
	cron   *cron.Cron
}

// NewConsumer creates a registration consumer.
func NewConsumer(regs store.RegistrationStore, booker Booker, sender Sender, opts ...ConsumerOption) *Consumer {
	cfg := ConsumerOpts{
		Schedule:    DefaultConsumerSchedule,
		BookTimeout: DefaultBookTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Consumer{regs: regs, booker: booker, sender: sender, opts: cfg}
}

// Start begins the periodic booking scan.
func (c *Consumer) Start() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cr := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := cr.AddFunc(c.opts.Schedule, func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			slog.Error("Registration consumer scan failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid consumer schedule %q: %w", c.opts.Schedule, err)
	}
	cr.Start()
	c.cron = cr
	slog.Info("Registration consumer started", "schedule", c.opts.Schedule)
	return nil
}

// Stop stops the periodic scan and waits for a running scan to finish.
func (c *Consumer) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce scans all records and books every requested time preference. It
// returns the number of bookings completed in this pass. Transient booking
// failures leave the record requested so a later pass retries it; rejected
// bookings are marked failed and the patient receives an apology.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	records, err := c.regs.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list registrations: %w", err)
	}

	booked := 0
	for _, rec := range records {
		if rec.Scheduling.Status != models.SchedulingRequested {
			continue
		}
		if err := c.process(ctx, rec); err != nil {
			slog.Error("Registration consumer booking failed", "phone", rec.Phone, "error", err)
			continue
		}
		booked++
	}
	if booked > 0 {
		slog.Info("Registration consumer pass complete", "booked", booked)
	}
	return booked, nil
}

func (c *Consumer) process(ctx context.Context, rec *models.RegistrationRecord) error {
	bookCtx, cancel := context.WithTimeout(ctx, c.opts.BookTimeout)
	defer cancel()

	result, err := c.booker.Book(bookCtx, BookingRequest{
		Phone:     rec.Phone,
		Name:      rec.Answers[models.FieldName],
		Requested: rec.Scheduling.Requested,
	})
	if err != nil {
		if errors.Is(err, ErrBookingRejected) {
			c.markAndNotify(ctx, rec.Phone, models.SchedulingFailed, "",
				"Desculpe, não consegui agendar no horário pedido. Pode me informar outro dia e horário?")
			return err
		}
		return err
	}

	when := result.ScheduledFor
	if when == "" {
		when = rec.Scheduling.Requested
	}
	c.markAndNotify(ctx, rec.Phone, models.SchedulingBooked, result.AppointmentID,
		fmt.Sprintf("Sua consulta está confirmada para %s. Até lá!", when))
	return nil
}

// markAndNotify persists the scheduling outcome first; the notification is
// best effort and a send failure never reverts the booking state.
func (c *Consumer) markAndNotify(ctx context.Context, phone string, status models.SchedulingStatus, result, body string) {
	if _, err := c.regs.Upsert(phone, func(rec *models.RegistrationRecord) error {
		rec.Scheduling.Status = status
		if result != "" {
			rec.Scheduling.Result = result
		}
		return nil
	}); err != nil {
		slog.Error("Registration consumer failed to persist scheduling outcome", "phone", phone, "error", err)
		return
	}

	if c.sender == nil {
		return
	}
	if err := c.sender.SendMessage(ctx, phone, body); err != nil {
		slog.Error("Registration consumer notification failed", "phone", phone, "error", err)
	}
}
