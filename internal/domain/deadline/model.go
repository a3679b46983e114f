package deadline

import (
	"strings"
	"time"
)

// TaskKind distinguishes a normal reminder from an escalation.
type TaskKind string

const (
	KindReminder   TaskKind = "reminder"
	KindEscalation TaskKind = "escalation"
)

// TaskStatus is the three-state lifecycle of a follow-up task. Overdue is
// never stored; it is recomputed by ClassifyStatus.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSent    TaskStatus = "sent"
	StatusOverdue TaskStatus = "overdue"
)

// EventKind is the calendar category a task is projected into.
type EventKind string

const (
	EventFollowUp EventKind = "follow_up"
	EventDeadline EventKind = "deadline"
)

// Priority of a calendar event.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DeliveryMethod is the closed set of channels a reminder can go out on.
type DeliveryMethod string

const (
	MethodEmail DeliveryMethod = "email"
	MethodFax   DeliveryMethod = "fax"
	MethodMail  DeliveryMethod = "mail"
	MethodPhone DeliveryMethod = "phone"
)

var validDeliveryMethods = map[DeliveryMethod]bool{
	MethodEmail: true,
	MethodFax:   true,
	MethodMail:  true,
	MethodPhone: true,
}

// DeliveryMethods returns every supported delivery method.
func DeliveryMethods() []DeliveryMethod {
	return []DeliveryMethod{MethodEmail, MethodFax, MethodMail, MethodPhone}
}

// IsValid reports whether m is one of the supported delivery methods.
func (m DeliveryMethod) IsValid() bool {
	return validDeliveryMethods[m]
}

// ParseDeliveryMethod converts s into a DeliveryMethod. Matching ignores case
// and surrounding whitespace.
func ParseDeliveryMethod(s string) (DeliveryMethod, error) {
	m := DeliveryMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", invalid("method", s, "must be one of email, fax, mail, phone")
	}
	return m, nil
}

// ProviderDeadlinePolicy holds the day offsets that govern a provider type.
type ProviderDeadlinePolicy struct {
	StandardDays     int   `yaml:"standard_days" json:"standard_days"`
	ReminderSchedule []int `yaml:"reminder_schedule" json:"reminder_schedule"`
	EscalationDays   []int `yaml:"escalation_days" json:"escalation_days"`
}

func (p ProviderDeadlinePolicy) clone() ProviderDeadlinePolicy {
	return ProviderDeadlinePolicy{
		StandardDays:     p.StandardDays,
		ReminderSchedule: append([]int(nil), p.ReminderSchedule...),
		EscalationDays:   append([]int(nil), p.EscalationDays...),
	}
}

// Deadlines is the result of CalculateDeadlines.
type Deadlines struct {
	ProviderType         string      `json:"provider_type"`
	RequestDate          time.Time   `json:"request_date"`
	ExpectedResponseDate time.Time   `json:"expected_response_date"`
	ReminderDates        []time.Time `json:"reminder_dates"`
	EscalationDates      []time.Time `json:"escalation_dates"`
}

// FollowUpTask is a scheduled reminder or escalation tied to a records
// request. The request itself is owned elsewhere and referenced by id.
type FollowUpTask struct {
	ID                 string     `db:"id" json:"id"`
	RequestID          string     `db:"request_id" json:"request_id"`
	ProviderType       string     `db:"provider_type" json:"provider_type"`
	Kind               TaskKind   `db:"kind" json:"kind"`
	Sequence           int        `db:"sequence" json:"sequence"`
	ScheduledAt        time.Time  `db:"scheduled_at" json:"scheduled_at"`
	Sent               bool       `db:"sent" json:"sent"`
	Status             TaskStatus `db:"status" json:"status"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	DeadlineAt         *time.Time `db:"deadline_at" json:"deadline_at,omitempty"`
	RemindersSentCount int        `db:"reminders_sent_count" json:"reminders_sent_count"`
}

// CalendarEvent is a display-only projection of a follow-up task.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Date        time.Time `json:"date"`
	Kind        EventKind `json:"kind"`
	RequestID   string    `json:"request_id"`
	Priority    Priority  `json:"priority"`
	Completed   bool      `json:"completed"`
	Description string    `json:"description"`
}

// ReminderDispatchRecord is the immutable audit entry written every time a
// reminder goes out. Resend is set when the task had already been sent.
type ReminderDispatchRecord struct {
	ID             string         `db:"id" json:"id"`
	RequestID      string         `db:"request_id" json:"request_id"`
	Kind           TaskKind       `db:"kind" json:"kind"`
	SentAt         time.Time      `db:"sent_at" json:"sent_at"`
	Method         DeliveryMethod `db:"method" json:"method"`
	FollowUpTaskID string         `db:"follow_up_task_id" json:"follow_up_task_id"`
	Resend         bool           `db:"resend" json:"resend"`
}
