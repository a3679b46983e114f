package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// LogSender implements every sender interface by writing the message to the
// logger. It stands in for real transports until one is wired.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("reminder sent")
	return nil
}

func (s LogSender) SendFax(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "fax").Str("to", to).Str("subject", subject).Msg("reminder sent")
	return nil
}

func (s LogSender) SendMail(_ context.Context, address, subject, _ string) error {
	s.Logger.Info().Str("channel", "mail").Str("to", address).Str("subject", subject).Msg("reminder queued")
	return nil
}

func (s LogSender) Call(_ context.Context, number, _ string) error {
	s.Logger.Info().Str("channel", "phone").Str("to", number).Msg("reminder call placed")
	return nil
}

// LogSenders wires a LogSender for every method.
func LogSenders(logger zerolog.Logger) Senders {
	s := LogSender{Logger: logger.With().Str("component", "delivery.log_sender").Logger()}
	return Senders{Email: s, Fax: s, Mail: s, Phone: s}
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// SendCall records a single call to a MockSender.
type SendCall struct {
	Channel string
	To      string
	Subject string
	Body    string
}

// MockSender implements every sender interface and records calls. It fails
// the first FailTimes calls, or every call when ShouldFail is set.
type MockSender struct {
	mu         sync.Mutex
	calls      []SendCall
	FailTimes  int
	ShouldFail bool
	FailError  string
}

func (m *MockSender) record(channel, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{Channel: channel, To: to, Subject: subject, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		msg := m.FailError
		if msg == "" {
			msg = "send failed"
		}
		return errors.New(msg)
	}
	return nil
}

func (m *MockSender) SendEmail(_ context.Context, to, subject, body string) error {
	return m.record("email", to, subject, body)
}

func (m *MockSender) SendFax(_ context.Context, to, subject, body string) error {
	return m.record("fax", to, subject, body)
}

func (m *MockSender) SendMail(_ context.Context, address, subject, body string) error {
	return m.record("mail", address, subject, body)
}

func (m *MockSender) Call(_ context.Context, number, script string) error {
	return m.record("phone", number, "", script)
}

// Calls returns a copy of the recorded calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
