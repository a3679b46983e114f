// Package deadline computes records-request response deadlines, reminder and
// escalation schedules, and the follow-up task lifecycle derived from them.
//
// Every operation is a pure function of its arguments and the policy table
// the Engine was built with. The current time is always passed in; nothing in
// this package reads the wall clock or performs I/O, so a single Engine can be
// shared by any number of goroutines.
package deadline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// IDGenerator produces identifiers for tasks and dispatch records.
type IDGenerator interface {
	TaskID(requestID string, kind TaskKind, index int) string
	DispatchID() string
}

type randomIDs struct{}

// TaskID combines the request, kind and schedule index with a KSUID so ids
// stay unique when the same request is scheduled twice at the same instant.
func (randomIDs) TaskID(requestID string, kind TaskKind, index int) string {
	return fmt.Sprintf("fu-%s-%s-%d-%s", requestID, kind, index, ksuid.New().String())
}

func (randomIDs) DispatchID() string {
	return uuid.New().String()
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator replaces the default KSUID/UUID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// Engine derives deadlines and follow-up schedules from a policy table.
type Engine struct {
	policies PolicyTable
	ids      IDGenerator
}

// NewEngine builds an Engine over policies. A nil table means the built-in
// one; a table without the default provider type gets the built-in default.
func NewEngine(policies PolicyTable, opts ...Option) *Engine {
	table := make(PolicyTable, len(policies)+1)
	if policies == nil {
		policies = DefaultPolicies()
	}
	for name, p := range policies {
		table[normalizeProviderType(name)] = p.clone()
	}
	if _, ok := table[DefaultProviderType]; !ok {
		table[DefaultProviderType] = DefaultPolicies()[DefaultProviderType]
	}

	e := &Engine{policies: table, ids: randomIDs{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policies returns a copy of the engine's policy table.
func (e *Engine) Policies() PolicyTable {
	out := make(PolicyTable, len(e.policies))
	for k, p := range e.policies {
		out[k] = p.clone()
	}
	return out
}

// ResolvePolicy returns the policy for providerType, or the default
// ("physician") policy when the type is not registered. It never fails.
func (e *Engine) ResolvePolicy(providerType string) ProviderDeadlinePolicy {
	if p, ok := e.policies[normalizeProviderType(providerType)]; ok {
		return p.clone()
	}
	return e.policies[DefaultProviderType].clone()
}

// CalculateDeadlines returns the expected response date and the reminder and
// escalation dates for a request made at requestDate. All offsets are
// calendar days.
func (e *Engine) CalculateDeadlines(providerType string, requestDate time.Time) (Deadlines, error) {
	if requestDate.IsZero() {
		return Deadlines{}, invalid("request date", "", "timestamp is required")
	}

	p := e.ResolvePolicy(providerType)
	return Deadlines{
		ProviderType:         providerType,
		RequestDate:          requestDate,
		ExpectedResponseDate: AddDays(requestDate, p.StandardDays),
		ReminderDates:        offsetDates(requestDate, p.ReminderSchedule),
		EscalationDates:      offsetDates(requestDate, p.EscalationDays),
	}, nil
}

// CreateFollowUpSchedule builds one pending reminder task per offset in the
// provider's reminder schedule, in schedule order. Nothing is persisted.
func (e *Engine) CreateFollowUpSchedule(requestID, providerType string, now time.Time) ([]FollowUpTask, error) {
	return e.buildSchedule(requestID, providerType, now, KindReminder)
}

// CreateEscalationSchedule is CreateFollowUpSchedule over the escalation
// offsets.
func (e *Engine) CreateEscalationSchedule(requestID, providerType string, now time.Time) ([]FollowUpTask, error) {
	return e.buildSchedule(requestID, providerType, now, KindEscalation)
}

func (e *Engine) buildSchedule(requestID, providerType string, now time.Time, kind TaskKind) ([]FollowUpTask, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, invalid("request id", "", "must not be empty")
	}
	if now.IsZero() {
		return nil, invalid("now", "", "timestamp is required")
	}

	p := e.ResolvePolicy(providerType)
	offsets := p.ReminderSchedule
	if kind == KindEscalation {
		offsets = p.EscalationDays
	}

	deadlineAt := AddDays(now, p.StandardDays)
	tasks := make([]FollowUpTask, 0, len(offsets))
	for i, days := range offsets {
		due := deadlineAt
		tasks = append(tasks, FollowUpTask{
			ID:           e.ids.TaskID(requestID, kind, i),
			RequestID:    requestID,
			ProviderType: providerType,
			Kind:         kind,
			Sequence:     i,
			ScheduledAt:  AddDays(now, days),
			Status:       StatusPending,
			CreatedAt:    now,
			DeadlineAt:   &due,
		})
	}
	return tasks, nil
}

// ClassifyStatus reports whether task is sent, overdue or still pending at now.
func ClassifyStatus(task FollowUpTask, now time.Time) TaskStatus {
	if task.Sent {
		return StatusSent
	}
	if task.ScheduledAt.Before(now) {
		return StatusOverdue
	}
	return StatusPending
}

// GetUpcomingEvents projects the tasks scheduled in [now, now+windowDays]
// into calendar events. Both ends of the window are inclusive. Events are
// ordered by date, then request id, then task id.
func GetUpcomingEvents(tasks []FollowUpTask, now time.Time, windowDays int) ([]CalendarEvent, error) {
	if windowDays < 0 {
		return nil, invalid("window days", fmt.Sprint(windowDays), "must not be negative")
	}

	end := AddDays(now, windowDays)
	kept := make([]FollowUpTask, 0, len(tasks))
	for _, t := range tasks {
		if t.ScheduledAt.Before(now) || t.ScheduledAt.After(end) {
			continue
		}
		kept = append(kept, t)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.RequestID != b.RequestID {
			return a.RequestID < b.RequestID
		}
		return a.ID < b.ID
	})

	events := make([]CalendarEvent, len(kept))
	for i, t := range kept {
		events[i] = toCalendarEvent(t)
	}
	return events, nil
}

func toCalendarEvent(t FollowUpTask) CalendarEvent {
	ev := CalendarEvent{
		ID:        "evt-" + t.ID,
		Date:      t.ScheduledAt,
		RequestID: t.RequestID,
		Completed: t.Sent,
	}
	// Priority is fixed per kind and does not scale with proximity.
	switch t.Kind {
	case KindEscalation:
		ev.Kind = EventDeadline
		ev.Priority = PriorityHigh
		ev.Title = fmt.Sprintf("Escalation %d: request %s", t.Sequence+1, t.RequestID)
		ev.Description = fmt.Sprintf("Escalate overdue records request %s", t.RequestID)
	default:
		ev.Kind = EventFollowUp
		ev.Priority = PriorityMedium
		ev.Title = fmt.Sprintf("Reminder %d: request %s", t.Sequence+1, t.RequestID)
		ev.Description = fmt.Sprintf("Send follow-up reminder for records request %s", t.RequestID)
	}
	if t.ProviderType != "" {
		ev.Description += " (" + t.ProviderType + ")"
	}
	return ev
}

// RecordReminderSent marks task as sent by method at sentAt and returns the
// updated copy with its audit record. Sending an already-sent task is
// allowed; the record is flagged with Resend so the caller can surface it.
func (e *Engine) RecordReminderSent(task FollowUpTask, method DeliveryMethod, sentAt time.Time) (FollowUpTask, ReminderDispatchRecord, error) {
	if !method.IsValid() {
		return FollowUpTask{}, ReminderDispatchRecord{}, invalid("method", string(method), "must be one of email, fax, mail, phone")
	}
	if sentAt.IsZero() {
		return FollowUpTask{}, ReminderDispatchRecord{}, invalid("sent at", "", "timestamp is required")
	}

	resend := task.Sent || task.Status == StatusSent

	updated := task
	if task.DeadlineAt != nil {
		d := *task.DeadlineAt
		updated.DeadlineAt = &d
	}
	updated.Sent = true
	updated.Status = StatusSent
	updated.RemindersSentCount++

	rec := ReminderDispatchRecord{
		ID:             e.ids.DispatchID(),
		RequestID:      task.RequestID,
		Kind:           task.Kind,
		SentAt:         sentAt,
		Method:         method,
		FollowUpTaskID: task.ID,
		Resend:         resend,
	}
	return updated, rec, nil
}

func offsetDates(base time.Time, offsets []int) []time.Time {
	out := make([]time.Time, len(offsets))
	for i, d := range offsets {
		out[i] = AddDays(base, d)
	}
	return out
}
