package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

// Built-in template ids.
const (
	TemplateFollowUpReminder = "follow-up-reminder"
	TemplateEscalation       = "escalation-notice"
)

// Template is a reusable reminder message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine stores templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateFollowUpReminder,
		Name:    "Follow-up Reminder",
		Subject: "Records request {{request_id}}: follow-up reminder",
		Body:    "This is a reminder that records request {{request_id}} is still awaiting a response. Please send the requested records at your earliest convenience.",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateEscalation,
		Name:    "Escalation Notice",
		Subject: "Records request {{request_id}}: response overdue",
		Body:    "Records request {{request_id}} has passed its expected response date. This request is being escalated; please respond immediately or contact our office.",
	})
	return e
}

// TemplateForKind picks the built-in template for a task kind.
func TemplateForKind(kind deadline.TaskKind) string {
	if kind == deadline.KindEscalation {
		return TemplateEscalation
	}
	return TemplateFollowUpReminder
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
