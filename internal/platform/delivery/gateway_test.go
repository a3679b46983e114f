package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

func newTestGateway(mock *MockSender, opts ...Option) *Gateway {
	opts = append([]Option{WithBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	senders := Senders{Email: mock, Fax: mock, Mail: mock, Phone: mock}
	return NewGateway(senders, nil, zerolog.Nop(), opts...)
}

func TestDeliver_RendersTemplateAndLogs(t *testing.T) {
	mock := &MockSender{}
	g := newTestGateway(mock)

	d := &Delivery{
		TaskID:    "task-1",
		RequestID: "req-42",
		Kind:      deadline.KindReminder,
		Method:    deadline.MethodEmail,
		Recipient: "records@clinic.example",
	}
	require.NoError(t, g.Deliver(context.Background(), d))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "email", calls[0].Channel)
	assert.Equal(t, "records@clinic.example", calls[0].To)
	assert.Contains(t, calls[0].Subject, "req-42")
	assert.Contains(t, calls[0].Body, "req-42")

	assert.Equal(t, StatusSent, d.Status)
	assert.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.SentAt)
	assert.Equal(t, TemplateFollowUpReminder, d.TemplateID)

	stored, err := g.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, stored.Status)
	assert.Equal(t, map[string]int{StatusSent: 1}, g.Stats())
}

func TestDeliver_EscalationTemplate(t *testing.T) {
	mock := &MockSender{}
	g := newTestGateway(mock)

	d := &Delivery{TaskID: "t", RequestID: "req-7", Kind: deadline.KindEscalation, Method: deadline.MethodFax, Recipient: "+15550100"}
	require.NoError(t, g.Deliver(context.Background(), d))
	assert.Equal(t, TemplateEscalation, d.TemplateID)
	assert.Contains(t, mock.Calls()[0].Subject, "overdue")
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	mock := &MockSender{FailTimes: 2}
	g := newTestGateway(mock, WithMaxAttempts(3))

	d := &Delivery{TaskID: "t", RequestID: "r", Method: deadline.MethodMail, Recipient: "1 Main St"}
	require.NoError(t, g.Deliver(context.Background(), d))
	assert.Equal(t, 3, d.Attempts)
	assert.Len(t, mock.Calls(), 3)
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := &MockSender{ShouldFail: true, FailError: "line busy"}
	g := newTestGateway(mock, WithMaxAttempts(2))

	d := &Delivery{TaskID: "t", RequestID: "r", Method: deadline.MethodPhone, Recipient: "+15550101"}
	err := g.Deliver(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line busy")
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, map[string]int{StatusFailed: 1}, g.Stats())
	assert.Len(t, g.ListByTask("t"), 1)
}

func TestDeliver_UnsupportedMethod(t *testing.T) {
	g := NewGateway(Senders{Email: &MockSender{}}, nil, zerolog.Nop())

	err := g.Deliver(context.Background(), &Delivery{Method: deadline.MethodFax, Recipient: "+1"})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.False(t, g.Supports(deadline.MethodPhone))
	assert.True(t, g.Supports(deadline.MethodEmail))
}

func TestDeliver_MissingRecipient(t *testing.T) {
	g := newTestGateway(&MockSender{})
	err := g.Deliver(context.Background(), &Delivery{Method: deadline.MethodEmail})
	assert.ErrorIs(t, err, ErrMissingRecipient)
}

func TestDeliver_CancelledContextStopsRetries(t *testing.T) {
	mock := &MockSender{ShouldFail: true}
	g := NewGateway(Senders{Email: mock}, nil, zerolog.Nop(),
		WithMaxAttempts(10), WithBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := g.Deliver(ctx, &Delivery{Method: deadline.MethodEmail, Recipient: "a@b.example"})
	require.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
}

func TestDeliver_FaxRateLimit(t *testing.T) {
	mock := &MockSender{}
	g := newTestGateway(mock, WithFaxRate(60))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, g.Deliver(ctx, &Delivery{Method: deadline.MethodFax, Recipient: "+1"}))
	// The second fax has to wait a full second for a token.
	err := g.Deliver(ctx, &Delivery{Method: deadline.MethodFax, Recipient: "+1"})
	assert.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
}

func TestDeliver_UsesClock(t *testing.T) {
	fixed := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	g := newTestGateway(&MockSender{}, WithClock(func() time.Time { return fixed }))

	d := &Delivery{Method: deadline.MethodEmail, Recipient: "a@b.example"}
	require.NoError(t, g.Deliver(context.Background(), d))
	assert.Equal(t, fixed, d.CreatedAt)
	assert.Equal(t, fixed, *d.SentAt)
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(Template{ID: "custom", Subject: "Hi {{name}}", Body: "{{name}} owes {{what}}"})

	subject, body, err := e.Render("custom", map[string]string{"name": "Mercy Clinic"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Mercy Clinic", subject)
	assert.Equal(t, "Mercy Clinic owes {{what}}", body)

	_, _, err = e.Render("missing", nil)
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	g := newTestGateway(&MockSender{})
	_, err := g.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
