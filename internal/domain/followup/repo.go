package followup

import (
	"context"
	"errors"
	"time"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// FollowUpStore persists follow-up tasks. Status is stored as pending or sent;
// overdue is always recomputed on read.
type FollowUpStore interface {
	CreateBatch(ctx context.Context, tasks []deadline.FollowUpTask) error
	GetByID(ctx context.Context, id string) (*deadline.FollowUpTask, error)
	Update(ctx context.Context, t *deadline.FollowUpTask) error
	ListByRequest(ctx context.Context, requestID string) ([]deadline.FollowUpTask, error)
	// ListScheduledBetween returns tasks with from <= scheduled_at <= to.
	ListScheduledBetween(ctx context.Context, from, to time.Time) ([]deadline.FollowUpTask, error)
	// ListDue returns unsent tasks with scheduled_at <= asOf ordered by
	// (scheduled_at, id), starting strictly after the cursor.
	ListDue(ctx context.Context, asOf time.Time, after DueCursor, limit int) ([]deadline.FollowUpTask, error)
	// ListOverdue returns unsent tasks with scheduled_at < now and the total.
	ListOverdue(ctx context.Context, now time.Time, limit, offset int) ([]deadline.FollowUpTask, int, error)
}

// DueCursor is a keyset position in the due-task ordering. The zero value
// starts from the oldest task.
type DueCursor struct {
	ScheduledAt time.Time
	ID          string
}

func (c DueCursor) IsZero() bool { return c.ID == "" }

// DispatchRepository stores the reminder audit trail. Records are never
// updated or deleted.
type DispatchRepository interface {
	Create(ctx context.Context, r *deadline.ReminderDispatchRecord) error
	ListByRequest(ctx context.Context, requestID string) ([]deadline.ReminderDispatchRecord, error)
}

// Contact is where reminders for a request go on one delivery method.
type Contact struct {
	RequestID string                  `db:"request_id" json:"request_id"`
	Method    deadline.DeliveryMethod `db:"method" json:"method"`
	Recipient string                  `db:"recipient" json:"recipient"`
}

type ContactRepository interface {
	Upsert(ctx context.Context, contacts []Contact) error
	ListByRequest(ctx context.Context, requestID string) ([]Contact, error)
}
