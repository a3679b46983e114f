package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/domain/deadline"
	"github.com/caseflow/caseflow/internal/platform/delivery"
	"github.com/caseflow/caseflow/internal/platform/lock"
	"github.com/caseflow/caseflow/internal/platform/metrics"
)

var (
	ErrAlreadyScheduled   = errors.New("follow-ups already scheduled for request")
	ErrScheduleInProgress = errors.New("follow-up scheduling already in progress for request")
	ErrDeliveryFailed     = errors.New("reminder delivery failed")
	ErrNoContact          = errors.New("no contact on file for request")
)

// DeliveryGateway sends one reminder. *delivery.Gateway satisfies it.
type DeliveryGateway interface {
	Deliver(ctx context.Context, d *delivery.Delivery) error
}

// Transactor runs fn in a single database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Schedule is what ScheduleRequest created for a request.
type Schedule struct {
	RequestID string                  `json:"request_id"`
	Deadlines deadline.Deadlines      `json:"deadlines"`
	Tasks     []deadline.FollowUpTask `json:"tasks"`
}

// SendResult is the outcome of a successful reminder dispatch.
type SendResult struct {
	Task       deadline.FollowUpTask           `json:"task"`
	Dispatch   deadline.ReminderDispatchRecord `json:"dispatch"`
	DeliveryID string                          `json:"delivery_id"`
}

type Service struct {
	engine     *deadline.Engine
	tasks      FollowUpStore
	dispatches DispatchRepository
	contacts   ContactRepository
	gateway    DeliveryGateway
	tx         Transactor
	locker     lock.Locker
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	lockTTL    time.Duration
}

// defaultDueBatch is the page size DispatchDue uses when none is given.
const defaultDueBatch = 100

// Deps groups the collaborators of a Service. Locker, Tx and Metrics are
// optional.
type Deps struct {
	Engine     *deadline.Engine
	Tasks      FollowUpStore
	Dispatches DispatchRepository
	Contacts   ContactRepository
	Gateway    DeliveryGateway
	Tx         Transactor
	Locker     lock.Locker
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		engine:     d.Engine,
		tasks:      d.Tasks,
		dispatches: d.Dispatches,
		contacts:   d.Contacts,
		gateway:    d.Gateway,
		tx:         d.Tx,
		locker:     d.Locker,
		metrics:    d.Metrics,
		logger:     d.Logger.With().Str("component", "followup").Logger(),
		lockTTL:    30 * time.Second,
	}
	if s.engine == nil {
		s.engine = deadline.NewEngine(nil)
	}
	if s.locker == nil {
		s.locker = lock.NopLocker{}
	}
	if s.tx == nil {
		s.tx = noTx{}
	}
	return s
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Engine returns the deadline engine the service schedules with.
func (s *Service) Engine() *deadline.Engine { return s.engine }

// ScheduleRequest creates and persists the reminder and escalation tasks for
// a new records request. contacts, if any, are stored for later dispatch.
func (s *Service) ScheduleRequest(ctx context.Context, requestID, providerType string, contacts []Contact, now time.Time) (*Schedule, error) {
	requestID = strings.TrimSpace(requestID)
	normalized := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		m, err := deadline.ParseDeliveryMethod(string(c.Method))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Recipient) == "" {
			return nil, &deadline.InvalidInputError{Field: "recipient", Value: string(m), Reason: "must not be empty"}
		}
		normalized = append(normalized, Contact{RequestID: requestID, Method: m, Recipient: c.Recipient})
	}

	reminders, err := s.engine.CreateFollowUpSchedule(requestID, providerType, now)
	if err != nil {
		return nil, err
	}
	escalations, err := s.engine.CreateEscalationSchedule(requestID, providerType, now)
	if err != nil {
		return nil, err
	}
	deadlines, err := s.engine.CalculateDeadlines(providerType, now)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, "schedule:"+requestID, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleInProgress, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire schedule lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("request_id", requestID).Msg("release schedule lock")
		}
	}()

	existing, err := s.tasks.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyScheduled, requestID)
	}

	all := make([]deadline.FollowUpTask, 0, len(reminders)+len(escalations))
	all = append(all, reminders...)
	all = append(all, escalations...)

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tasks.CreateBatch(ctx, all); err != nil {
			return fmt.Errorf("persist follow-ups: %w", err)
		}
		if len(normalized) > 0 && s.contacts != nil {
			if err := s.contacts.Upsert(ctx, normalized); err != nil {
				return fmt.Errorf("persist contacts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncScheduleCreated(providerLabel(s.engine, providerType))
	s.logger.Info().
		Str("request_id", requestID).
		Str("provider_type", providerType).
		Int("reminders", len(reminders)).
		Int("escalations", len(escalations)).
		Time("expected_response", deadlines.ExpectedResponseDate).
		Msg("follow-up schedule created")

	return &Schedule{RequestID: requestID, Deadlines: deadlines, Tasks: all}, nil
}

// providerLabel keeps metric cardinality bounded to the configured types.
func providerLabel(e *deadline.Engine, providerType string) string {
	key := strings.ToLower(strings.TrimSpace(providerType))
	if _, ok := e.Policies()[key]; ok {
		return key
	}
	return deadline.DefaultProviderType
}

// ListByRequest returns the request's tasks with status classified at now.
func (s *Service) ListByRequest(ctx context.Context, requestID string, now time.Time) ([]deadline.FollowUpTask, error) {
	tasks, err := s.tasks.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	return classify(tasks, now), nil
}

// ListOverdue returns unsent tasks scheduled before now.
func (s *Service) ListOverdue(ctx context.Context, now time.Time, limit, offset int) ([]deadline.FollowUpTask, int, error) {
	tasks, total, err := s.tasks.ListOverdue(ctx, now, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list overdue follow-ups: %w", err)
	}
	return classify(tasks, now), total, nil
}

// Upcoming returns calendar events for tasks scheduled in [now, now+windowDays].
func (s *Service) Upcoming(ctx context.Context, now time.Time, windowDays int) ([]deadline.CalendarEvent, error) {
	if windowDays < 0 {
		return deadline.GetUpcomingEvents(nil, now, windowDays)
	}
	tasks, err := s.tasks.ListScheduledBetween(ctx, now, deadline.AddDays(now, windowDays))
	if err != nil {
		return nil, fmt.Errorf("list scheduled follow-ups: %w", err)
	}
	return deadline.GetUpcomingEvents(tasks, now, windowDays)
}

// ListDispatches returns the reminder audit trail for a request.
func (s *Service) ListDispatches(ctx context.Context, requestID string) ([]deadline.ReminderDispatchRecord, error) {
	recs, err := s.dispatches.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	if recs == nil {
		recs = []deadline.ReminderDispatchRecord{}
	}
	return recs, nil
}

// SendReminder delivers the reminder for taskID and records it. An empty
// recipient is looked up from the request's stored contacts. A delivery
// failure leaves the task unchanged.
func (s *Service) SendReminder(ctx context.Context, taskID string, method deadline.DeliveryMethod, recipient string, now time.Time) (*SendResult, error) {
	m, err := deadline.ParseDeliveryMethod(string(method))
	if err != nil {
		return nil, err
	}
	if now.IsZero() {
		return nil, &deadline.InvalidInputError{Field: "sent at", Reason: "timestamp is required"}
	}

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(recipient) == "" {
		contact, err := s.resolveContact(ctx, task.RequestID, m, false)
		if err != nil {
			return nil, err
		}
		recipient = contact.Recipient
	}
	return s.send(ctx, *task, m, recipient, now)
}

func (s *Service) send(ctx context.Context, task deadline.FollowUpTask, method deadline.DeliveryMethod, recipient string, now time.Time) (*SendResult, error) {
	if task.Sent {
		s.logger.Warn().
			Str("task_id", task.ID).
			Str("request_id", task.RequestID).
			Int("reminders_sent", task.RemindersSentCount).
			Msg("re-sending reminder for task already marked sent")
	}

	d := &delivery.Delivery{
		TaskID:    task.ID,
		RequestID: task.RequestID,
		Kind:      task.Kind,
		Method:    method,
		Recipient: recipient,
	}
	if err := s.gateway.Deliver(ctx, d); err != nil {
		s.metrics.IncDispatchFailure(string(method))
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	updated, rec, err := s.engine.RecordReminderSent(task, method, now)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tasks.Update(ctx, &updated); err != nil {
			return fmt.Errorf("update follow-up: %w", err)
		}
		if err := s.dispatches.Create(ctx, &rec); err != nil {
			return fmt.Errorf("record dispatch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncReminderSent(string(method), string(task.Kind))
	evt := s.logger.Info()
	if rec.Resend {
		evt = s.logger.Warn()
	}
	evt.Str("task_id", task.ID).
		Str("request_id", task.RequestID).
		Str("method", string(method)).
		Str("dispatch_id", rec.ID).
		Bool("resend", rec.Resend).
		Msg("reminder dispatched")

	return &SendResult{Task: updated, Dispatch: rec, DeliveryID: d.ID}, nil
}

// resolveContact returns the contact for method, or when fallback is set the
// first contact on file in delivery-method order.
func (s *Service) resolveContact(ctx context.Context, requestID string, method deadline.DeliveryMethod, fallback bool) (Contact, error) {
	if s.contacts == nil {
		return Contact{}, fmt.Errorf("%w: %s", ErrNoContact, requestID)
	}
	contacts, err := s.contacts.ListByRequest(ctx, requestID)
	if err != nil {
		return Contact{}, fmt.Errorf("list contacts: %w", err)
	}
	byMethod := make(map[deadline.DeliveryMethod]Contact, len(contacts))
	for _, c := range contacts {
		byMethod[c.Method] = c
	}
	if c, ok := byMethod[method]; ok {
		return c, nil
	}
	if fallback {
		for _, m := range deadline.DeliveryMethods() {
			if c, ok := byMethod[m]; ok {
				return c, nil
			}
		}
	}
	return Contact{}, fmt.Errorf("%w: %s (%s)", ErrNoContact, requestID, method)
}

// DispatchDue sends every unsent task scheduled at or before now. Tasks are
// read in pages of limit, keyed on (scheduled_at, id), so tasks that cannot be
// delivered never hide newer ones. Each task goes out on method when the
// request has a contact for it, else on the first method it has a contact
// for. Per-task failures are logged and skipped. It returns the number of
// reminders sent.
func (s *Service) DispatchDue(ctx context.Context, now time.Time, method deadline.DeliveryMethod, limit int) (int, error) {
	if !method.IsValid() {
		return 0, &deadline.InvalidInputError{Field: "method", Value: string(method), Reason: "must be one of email, fax, mail, phone"}
	}
	if limit <= 0 {
		limit = defaultDueBatch
	}

	var cursor DueCursor
	due, sent, failed := 0, 0, 0
	for {
		page, err := s.tasks.ListDue(ctx, now, cursor, limit)
		if err != nil {
			return sent, fmt.Errorf("list due follow-ups: %w", err)
		}
		due += len(page)

		for _, task := range page {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			contact, err := s.resolveContact(ctx, task.RequestID, method, true)
			if err != nil {
				failed++
				s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("skipping due reminder")
				continue
			}
			if _, err := s.send(ctx, task, contact.Method, contact.Recipient, now); err != nil {
				failed++
				s.logger.Error().Err(err).Str("task_id", task.ID).Msg("due reminder not sent")
				continue
			}
			sent++
		}

		if len(page) < limit {
			break
		}
		last := page[len(page)-1]
		cursor = DueCursor{ScheduledAt: last.ScheduledAt, ID: last.ID}
	}

	if due > 0 {
		s.logger.Info().Int("due", due).Int("sent", sent).Int("failed", failed).Msg("due reminders dispatched")
	}
	return sent, nil
}

func classify(tasks []deadline.FollowUpTask, now time.Time) []deadline.FollowUpTask {
	out := make([]deadline.FollowUpTask, len(tasks))
	for i, t := range tasks {
		t.Status = deadline.ClassifyStatus(t, now)
		out[i] = t
	}
	return out
}
