// Package delivery routes follow-up reminders to per-channel senders (email,
// fax, mail, phone), retries transient failures and keeps an in-memory log of
// every delivery attempt.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported delivery method")
	ErrMissingRecipient  = errors.New("recipient is required")
	ErrNotFound          = errors.New("delivery not found")
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender sends an email message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// FaxSender transmits a fax to a number.
type FaxSender interface {
	SendFax(ctx context.Context, to, subject, body string) error
}

// MailSender queues a physical letter for a postal address.
type MailSender interface {
	SendMail(ctx context.Context, address, subject, body string) error
}

// PhoneSender places a call and reads a script.
type PhoneSender interface {
	Call(ctx context.Context, number, script string) error
}

// Senders wires one transport per delivery method. A nil sender makes that
// method unsupported.
type Senders struct {
	Email EmailSender
	Fax   FaxSender
	Mail  MailSender
	Phone PhoneSender
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// Delivery is one outbound reminder.
type Delivery struct {
	ID         string                  `json:"id"`
	TaskID     string                  `json:"task_id"`
	RequestID  string                  `json:"request_id"`
	Kind       deadline.TaskKind       `json:"kind"`
	Method     deadline.DeliveryMethod `json:"method"`
	Recipient  string                  `json:"recipient"`
	Subject    string                  `json:"subject"`
	Body       string                  `json:"body"`
	Status     string                  `json:"status"`
	Attempts   int                     `json:"attempts"`
	CreatedAt  time.Time               `json:"created_at"`
	SentAt     *time.Time              `json:"sent_at,omitempty"`
	Error      string                  `json:"error,omitempty"`
	TemplateID string                  `json:"template_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// Options tunes retries and fax throttling.
type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	FaxPerMinute    int
	Clock           func() time.Time
}

// Option configures a Gateway.
type Option func(*Options)

// WithMaxAttempts bounds the number of send attempts per delivery.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the first retry delay and the cap between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.InitialInterval = initial
		o.MaxInterval = max
	}
}

// WithFaxRate limits outbound faxes per minute. Zero disables the limit.
func WithFaxRate(perMinute int) Option {
	return func(o *Options) { o.FaxPerMinute = perMinute }
}

// WithClock overrides the time source used for delivery timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// Gateway delivers reminders. It is constructed once by the composition root
// and shared; all methods are safe for concurrent use.
type Gateway struct {
	senders   Senders
	templates *TemplateEngine
	logger    zerolog.Logger
	opts      Options
	fax       *rate.Limiter

	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewGateway builds a Gateway over senders.
func NewGateway(senders Senders, templates *TemplateEngine, logger zerolog.Logger, opts ...Option) *Gateway {
	o := Options{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if templates == nil {
		templates = NewTemplateEngine()
	}

	g := &Gateway{
		senders:    senders,
		templates:  templates,
		logger:     logger.With().Str("component", "delivery").Logger(),
		opts:       o,
		deliveries: make(map[string]*Delivery),
	}
	if o.FaxPerMinute > 0 {
		g.fax = rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.FaxPerMinute)), 1)
	}
	return g
}

// Supports reports whether a sender is wired for m.
func (g *Gateway) Supports(m deadline.DeliveryMethod) bool {
	switch m {
	case deadline.MethodEmail:
		return g.senders.Email != nil
	case deadline.MethodFax:
		return g.senders.Fax != nil
	case deadline.MethodMail:
		return g.senders.Mail != nil
	case deadline.MethodPhone:
		return g.senders.Phone != nil
	}
	return false
}

// Deliver sends d through the sender for d.Method. When d.Body is empty the
// template for d.Kind is rendered first. Transient sender errors are retried
// with exponential backoff up to MaxAttempts. The delivery is recorded in the
// log whatever the outcome.
func (g *Gateway) Deliver(ctx context.Context, d *Delivery) error {
	if d.Recipient == "" {
		return ErrMissingRecipient
	}
	if !g.Supports(d.Method) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, d.Method)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = g.opts.Clock().UTC()
	d.Status = StatusPending

	if d.Body == "" {
		if err := g.render(d); err != nil {
			return err
		}
	}

	op := func() error {
		d.Attempts++
		err := g.send(ctx, d)
		if err != nil {
			g.logger.Warn().Err(err).
				Str("delivery_id", d.ID).
				Str("task_id", d.TaskID).
				Str("method", string(d.Method)).
				Int("attempt", d.Attempts).
				Msg("delivery attempt failed")
		}
		return err
	}

	sendErr := backoff.Retry(op, backoff.WithContext(g.newBackOff(), ctx))

	g.mu.Lock()
	if sendErr != nil {
		d.Status = StatusFailed
		d.Error = sendErr.Error()
	} else {
		d.Status = StatusSent
		sentAt := g.opts.Clock().UTC()
		d.SentAt = &sentAt
		d.Error = ""
	}
	stored := *d
	g.deliveries[d.ID] = &stored
	g.mu.Unlock()

	if sendErr != nil {
		return fmt.Errorf("deliver %s via %s: %w", d.TaskID, d.Method, sendErr)
	}
	g.logger.Info().
		Str("delivery_id", d.ID).
		Str("request_id", d.RequestID).
		Str("method", string(d.Method)).
		Int("attempts", d.Attempts).
		Msg("reminder delivered")
	return nil
}

func (g *Gateway) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialInterval
	b.MaxInterval = g.opts.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(g.opts.MaxAttempts-1))
}

func (g *Gateway) send(ctx context.Context, d *Delivery) error {
	switch d.Method {
	case deadline.MethodEmail:
		return g.senders.Email.SendEmail(ctx, d.Recipient, d.Subject, d.Body)
	case deadline.MethodFax:
		if g.fax != nil {
			if err := g.fax.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		return g.senders.Fax.SendFax(ctx, d.Recipient, d.Subject, d.Body)
	case deadline.MethodMail:
		return g.senders.Mail.SendMail(ctx, d.Recipient, d.Subject, d.Body)
	case deadline.MethodPhone:
		return g.senders.Phone.Call(ctx, d.Recipient, d.Body)
	}
	return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnsupportedMethod, d.Method))
}

func (g *Gateway) render(d *Delivery) error {
	id := d.TemplateID
	if id == "" {
		id = TemplateForKind(d.Kind)
		d.TemplateID = id
	}
	subject, body, err := g.templates.Render(id, map[string]string{
		"request_id": d.RequestID,
		"task_id":    d.TaskID,
		"method":     string(d.Method),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if d.Subject == "" {
		d.Subject = subject
	}
	d.Body = body
	return nil
}

// Get returns a copy of a logged delivery.
func (g *Gateway) Get(id string) (*Delivery, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *d
	return &out, nil
}

// ListByTask returns the logged deliveries for a follow-up task.
func (g *Gateway) ListByTask(taskID string) []*Delivery {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Delivery
	for _, d := range g.deliveries {
		if d.TaskID == taskID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// Stats counts logged deliveries by status.
func (g *Gateway) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := make(map[string]int)
	for _, d := range g.deliveries {
		stats[d.Status]++
	}
	return stats
}
