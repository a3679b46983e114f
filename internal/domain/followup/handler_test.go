package followup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

var handlerNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestHandler() (*Handler, *echo.Echo, *testDeps) {
	svc, deps := newTestServiceWithDeps()
	h := NewHandler(svc, 7, func() time.Time { return handlerNow })
	e := echo.New()
	return h, e, deps
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_ListPolicies(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListPolicies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("expected 6 policies, got %d", len(out))
	}
	if out[0]["provider_type"] != "hospital" {
		t.Errorf("expected sorted output starting with hospital, got %v", out[0]["provider_type"])
	}
	if _, ok := out[0]["standard_days"]; !ok {
		t.Error("expected policy fields inline")
	}
}

func TestHandler_GetPolicy_FallsBack(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type")
	c.SetParamValues("dentist")

	if err := h.GetPolicy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		ProviderType string `json:"provider_type"`
		StandardDays int    `json:"standard_days"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.StandardDays != 30 {
		t.Errorf("expected default policy (30 days), got %d", out.StandardDays)
	}
}

func TestHandler_CalculateDeadlines(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?provider_type=physician&request_date=2024-02-01", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CalculateDeadlines(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out deadline.Deadlines
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if !out.ExpectedResponseDate.Equal(want) {
		t.Errorf("expected %v, got %v", want, out.ExpectedResponseDate)
	}
}

func TestHandler_CalculateDeadlines_BadDate(t *testing.T) {
	h, e, _ := newTestHandler()
	for _, target := range []string{"/?request_date=yesterday", "/"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		expectHTTPError(t, h.CalculateDeadlines(c), http.StatusBadRequest)
	}
}

func postJSON(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_ScheduleRequest(t *testing.T) {
	h, e, deps := newTestHandler()
	c, rec := postJSON(e, `{"provider_type":"hospital","contacts":[{"method":"fax","recipient":"+15550100"}]}`)
	c.SetParamNames("id")
	c.SetParamValues("req-42")

	if err := h.ScheduleRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var out Schedule
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.RequestID != "req-42" || len(out.Tasks) != 4 {
		t.Errorf("unexpected schedule %+v", out)
	}
	if !out.Tasks[0].CreatedAt.Equal(handlerNow) {
		t.Errorf("expected created_at from clock, got %v", out.Tasks[0].CreatedAt)
	}
	if len(deps.contacts.contacts["req-42"]) != 1 {
		t.Error("expected contact stored")
	}

	// Second call conflicts.
	c, _ = postJSON(e, `{"provider_type":"hospital"}`)
	c.SetParamNames("id")
	c.SetParamValues("req-42")
	expectHTTPError(t, h.ScheduleRequest(c), http.StatusConflict)
}

func TestHandler_ScheduleRequest_RequestedAt(t *testing.T) {
	h, e, _ := newTestHandler()
	c, rec := postJSON(e, `{"provider_type":"physician","requested_at":"2024-01-01"}`)
	c.SetParamNames("id")
	c.SetParamValues("req-1")

	if err := h.ScheduleRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Schedule
	json.Unmarshal(rec.Body.Bytes(), &out)
	want := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if !out.Tasks[0].ScheduledAt.Equal(want) {
		t.Errorf("expected first reminder %v, got %v", want, out.Tasks[0].ScheduledAt)
	}
}

func TestHandler_ScheduleRequest_BadRequest(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := postJSON(e, `{"provider_type":"physician","contacts":[{"method":"telegram","recipient":"x"}]}`)
	c.SetParamNames("id")
	c.SetParamValues("req-1")
	expectHTTPError(t, h.ScheduleRequest(c), http.StatusBadRequest)
}

func TestHandler_ListByRequest(t *testing.T) {
	h, e, _ := newTestHandler()
	h.svc.ScheduleRequest(context.Background(), "req-1", "physician", nil, handlerNow.AddDate(0, 0, -8))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("req-1")

	if err := h.ListByRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []deadline.FollowUpTask
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(out))
	}
	if out[0].Status != deadline.StatusOverdue {
		t.Errorf("expected first reminder overdue, got %s", out[0].Status)
	}
}

func TestHandler_ListOverdue(t *testing.T) {
	h, e, _ := newTestHandler()
	h.svc.ScheduleRequest(context.Background(), "req-1", "pharmacy", nil, handlerNow.AddDate(0, 0, -8))

	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListOverdue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Total != 2 || !out.HasMore {
		t.Errorf("expected 2 overdue with more pages, got %+v", out)
	}
	if rec.Header().Get("Link") == "" {
		t.Error("expected Link header for next page")
	}
}

func TestHandler_Upcoming(t *testing.T) {
	h, e, _ := newTestHandler()
	h.svc.ScheduleRequest(context.Background(), "req-1", "physician", nil, handlerNow)

	req := httptest.NewRequest(http.MethodGet, "/?window_days=14", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upcoming(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []deadline.CalendarEvent
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 2 {
		t.Fatalf("expected day-7 and day-14 reminders, got %d", len(out))
	}
}

func TestHandler_Upcoming_BadWindow(t *testing.T) {
	h, e, _ := newTestHandler()
	for _, q := range []string{"/?window_days=-1", "/?window_days=soon", "/?now=whenever"} {
		req := httptest.NewRequest(http.MethodGet, q, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		expectHTTPError(t, h.Upcoming(c), http.StatusBadRequest)
	}
}

func TestHandler_SendReminder(t *testing.T) {
	h, e, _ := newTestHandler()
	sched, _ := h.svc.ScheduleRequest(context.Background(), "req-1", "physician", nil, handlerNow)

	c, rec := postJSON(e, `{"method":"Email","recipient":"records@clinic.example"}`)
	c.SetParamNames("id")
	c.SetParamValues(sched.Tasks[0].ID)

	if err := h.SendReminder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var out SendResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Task.Sent || out.Dispatch.Method != deadline.MethodEmail {
		t.Errorf("unexpected result %+v", out)
	}
	if !out.Dispatch.SentAt.Equal(handlerNow) {
		t.Errorf("expected sent_at from clock, got %v", out.Dispatch.SentAt)
	}
}

func TestHandler_SendReminder_Errors(t *testing.T) {
	h, e, deps := newTestHandler()
	sched, _ := h.svc.ScheduleRequest(context.Background(), "req-1", "physician", nil, handlerNow)

	c, _ := postJSON(e, `{"method":"fax","recipient":"+1"}`)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	expectHTTPError(t, h.SendReminder(c), http.StatusNotFound)

	c, _ = postJSON(e, `{"method":"owl","recipient":"+1"}`)
	c.SetParamNames("id")
	c.SetParamValues(sched.Tasks[0].ID)
	expectHTTPError(t, h.SendReminder(c), http.StatusBadRequest)

	deps.gateway.err = errors.New("fax line busy")
	c, _ = postJSON(e, `{"method":"fax","recipient":"+1"}`)
	c.SetParamNames("id")
	c.SetParamValues(sched.Tasks[0].ID)
	expectHTTPError(t, h.SendReminder(c), http.StatusBadGateway)
}

func TestHandler_ListDispatches_Empty(t *testing.T) {
	h, e, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("req-none")

	if err := h.ListDispatches(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rec.Body.String())
	}
}

func TestToHTTPError_Internal(t *testing.T) {
	expectHTTPError(t, toHTTPError(errors.New("boom")), http.StatusInternalServerError)
}
