package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseflow/caseflow/internal/domain/deadline"
	"github.com/caseflow/caseflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- Follow-up tasks --

type taskRepoPG struct{ pool *pgxpool.Pool }

func NewTaskRepoPG(pool *pgxpool.Pool) FollowUpStore {
	return &taskRepoPG{pool: pool}
}

func (r *taskRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const taskCols = `id, request_id, provider_type, kind, sequence, scheduled_at,
	sent, status, created_at, deadline_at, reminders_sent_count`

func scanTask(row pgx.Row) (deadline.FollowUpTask, error) {
	var t deadline.FollowUpTask
	err := row.Scan(&t.ID, &t.RequestID, &t.ProviderType, &t.Kind, &t.Sequence, &t.ScheduledAt,
		&t.Sent, &t.Status, &t.CreatedAt, &t.DeadlineAt, &t.RemindersSentCount)
	return t, err
}

func collectTasks(rows pgx.Rows) ([]deadline.FollowUpTask, error) {
	defer rows.Close()
	items := []deadline.FollowUpTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// storedStatus drops the derived overdue state before writing.
func storedStatus(t *deadline.FollowUpTask) deadline.TaskStatus {
	if t.Sent {
		return deadline.StatusSent
	}
	return deadline.StatusPending
}

func (r *taskRepoPG) CreateBatch(ctx context.Context, tasks []deadline.FollowUpTask) error {
	if len(tasks) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for i := range tasks {
		t := &tasks[i]
		b.Queue(`
			INSERT INTO follow_up_task (id, request_id, provider_type, kind, sequence, scheduled_at,
				sent, status, created_at, deadline_at, reminders_sent_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			t.ID, t.RequestID, t.ProviderType, t.Kind, t.Sequence, t.ScheduledAt,
			t.Sent, storedStatus(t), t.CreatedAt, t.DeadlineAt, t.RemindersSentCount)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	for range tasks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert follow-up task: %w", err)
		}
	}
	return br.Close()
}

func (r *taskRepoPG) GetByID(ctx context.Context, id string) (*deadline.FollowUpTask, error) {
	t, err := scanTask(r.conn(ctx).QueryRow(ctx, `SELECT `+taskCols+` FROM follow_up_task WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("follow-up task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepoPG) Update(ctx context.Context, t *deadline.FollowUpTask) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE follow_up_task SET sent=$2, status=$3, reminders_sent_count=$4, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Sent, storedStatus(t), t.RemindersSentCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("follow-up task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *taskRepoPG) ListByRequest(ctx context.Context, requestID string) ([]deadline.FollowUpTask, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM follow_up_task
		WHERE request_id = $1 ORDER BY scheduled_at, kind DESC, sequence`, requestID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *taskRepoPG) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]deadline.FollowUpTask, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM follow_up_task
		WHERE scheduled_at >= $1 AND scheduled_at <= $2 ORDER BY scheduled_at, request_id, id`, from, to)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *taskRepoPG) ListDue(ctx context.Context, asOf time.Time, after DueCursor, limit int) ([]deadline.FollowUpTask, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM follow_up_task
			WHERE NOT sent AND scheduled_at <= $1 ORDER BY scheduled_at, id LIMIT $2`, asOf, limit)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM follow_up_task
			WHERE NOT sent AND scheduled_at <= $1 AND (scheduled_at, id) > ($2, $3)
			ORDER BY scheduled_at, id LIMIT $4`, asOf, after.ScheduledAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *taskRepoPG) ListOverdue(ctx context.Context, now time.Time, limit, offset int) ([]deadline.FollowUpTask, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM follow_up_task
		WHERE NOT sent AND scheduled_at < $1`, now).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+taskCols+` FROM follow_up_task
		WHERE NOT sent AND scheduled_at < $1 ORDER BY scheduled_at, id LIMIT $2 OFFSET $3`, now, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectTasks(rows)
	return items, total, err
}

// -- Dispatch records --

type dispatchRepoPG struct{ pool *pgxpool.Pool }

func NewDispatchRepoPG(pool *pgxpool.Pool) DispatchRepository {
	return &dispatchRepoPG{pool: pool}
}

func (r *dispatchRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *dispatchRepoPG) Create(ctx context.Context, d *deadline.ReminderDispatchRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reminder_dispatch (id, request_id, kind, sent_at, method, follow_up_task_id, resend)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.RequestID, d.Kind, d.SentAt, d.Method, d.FollowUpTaskID, d.Resend)
	return err
}

func (r *dispatchRepoPG) ListByRequest(ctx context.Context, requestID string) ([]deadline.ReminderDispatchRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, request_id, kind, sent_at, method, follow_up_task_id, resend
		FROM reminder_dispatch WHERE request_id = $1 ORDER BY sent_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[deadline.ReminderDispatchRecord])
}

// -- Contacts --

type contactRepoPG struct{ pool *pgxpool.Pool }

func NewContactRepoPG(pool *pgxpool.Pool) ContactRepository {
	return &contactRepoPG{pool: pool}
}

func (r *contactRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *contactRepoPG) Upsert(ctx context.Context, contacts []Contact) error {
	for _, c := range contacts {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO request_contact (request_id, method, recipient)
			VALUES ($1,$2,$3)
			ON CONFLICT (request_id, method) DO UPDATE SET recipient = EXCLUDED.recipient, updated_at = NOW()`,
			c.RequestID, c.Method, c.Recipient); err != nil {
			return fmt.Errorf("upsert contact %s/%s: %w", c.RequestID, c.Method, err)
		}
	}
	return nil
}

func (r *contactRepoPG) ListByRequest(ctx context.Context, requestID string) ([]Contact, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT request_id, method, recipient FROM request_contact
		WHERE request_id = $1 ORDER BY method`, requestID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Contact])
}
