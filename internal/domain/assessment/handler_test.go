package assessment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/goalplan/internal/platform/auth"
)

func newContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(req.Context(), "clinician-9", []string{auth.RoleClinician}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_CreateAndSelect(t *testing.T) {
	h := newHarness(t, 10)
	h.completeWith(threeOptions())
	handler := NewHandler(h.submitter)
	e := echo.New()

	body := `{"patient_id":"` + h.patientID.String() + `","focus_time":"evenings","motivation_level":6,` +
		`"past_successes":["cooked a meal"],"constraints":["stairs"],"social_preference":"alone"}`
	c, rec := newContext(e, http.MethodPost, body)
	if err := handler.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var created View
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	sess, ok := h.submitter.Session(created.AssessmentID)
	if !ok {
		t.Fatal("expected a session")
	}
	waitSession(t, sess)

	stored, _ := h.assessments.GetByID(context.Background(), created.AssessmentID)
	if stored.AssessedBy != "clinician-9" {
		t.Errorf("expected acting user as assessor, got %q", stored.AssessedBy)
	}

	c, rec = newContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(created.AssessmentID.String())
	if err := handler.GetRecommendations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view struct {
		State   SessionState `json:"state"`
		Outcome struct {
			Kind Kind `json:"kind"`
			Plan struct {
				Tier    string            `json:"tier"`
				Options []json.RawMessage `json:"options"`
			} `json:"plan"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != StateCompleted || view.Outcome.Kind != KindReady || len(view.Outcome.Plan.Options) != 3 {
		t.Errorf("unexpected view %s", rec.Body.String())
	}

	c, rec = newContext(e, http.MethodPost, `{"option_index":0,"start_date":"2025-05-01"}`)
	c.SetParamNames("id")
	c.SetParamValues(created.AssessmentID.String())
	if err := handler.Select(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if h.goals.ActiveRootCount(h.patientID) != 1 {
		t.Error("expected an active tree")
	}
}

func TestHandler_Create_Invalid(t *testing.T) {
	h := newHarness(t, 3)
	handler := NewHandler(h.submitter)
	e := echo.New()

	c, _ := newContext(e, http.MethodPost, `{"patient_id":"`+h.patientID.String()+`","motivation_level":40}`)
	if code := httpCode(t, handler.Create(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}

	c, _ = newContext(e, http.MethodPost, `{"patient_id":"`+uuid.NewString()+`","focus_time":"am","motivation_level":5,"social_preference":"any"}`)
	if code := httpCode(t, handler.Create(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", code)
	}
}

func TestHandler_GetRecommendations_Timeout(t *testing.T) {
	h := newHarness(t, 2)
	handler := NewHandler(h.submitter)
	e := echo.New()

	sess, err := h.submitter.Start(context.Background(), h.input())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitSession(t, sess)

	c, _ := newContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(sess.AssessmentID.String())
	if code := httpCode(t, handler.GetRecommendations(c)); code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", code)
	}
}

func TestHandler_GetRecommendations_NotFound(t *testing.T) {
	h := newHarness(t, 2)
	handler := NewHandler(h.submitter)
	e := echo.New()

	c, _ := newContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	if code := httpCode(t, handler.GetRecommendations(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, _ = newContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, handler.GetRecommendations(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_CancelPoll(t *testing.T) {
	h := newHarness(t, 10000)
	handler := NewHandler(h.submitter)
	e := echo.New()

	sess, err := h.submitter.Start(context.Background(), h.input())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, rec := newContext(e, http.MethodDelete, "")
	c.SetParamNames("id")
	c.SetParamValues(sess.AssessmentID.String())
	if err := handler.CancelPoll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if o := waitSession(t, sess); o.Kind != KindCancelled {
		t.Errorf("expected cancelled, got %s", o.Kind)
	}

	c, _ = newContext(e, http.MethodDelete, "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	if code := httpCode(t, handler.CancelPoll(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_Select_BadRequests(t *testing.T) {
	h := newHarness(t, 2)
	handler := NewHandler(h.submitter)
	e := echo.New()
	id := uuid.NewString()

	for _, body := range []string{
		`{"start_date":"2025-05-01"}`,
		`{"option_index":1,"start_date":"01/05/2025"}`,
	} {
		c, _ := newContext(e, http.MethodPost, body)
		c.SetParamNames("id")
		c.SetParamValues(id)
		if code := httpCode(t, handler.Select(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, code)
		}
	}
}

func TestHandler_Select_NotReady(t *testing.T) {
	h := newHarness(t, 1)
	handler := NewHandler(h.submitter)
	e := echo.New()
	o := h.submitter.Submit(context.Background(), h.input())

	c, _ := newContext(e, http.MethodPost, `{"option_index":0,"start_date":"2025-05-01"}`)
	c.SetParamNames("id")
	c.SetParamValues(o.AssessmentID.String())
	if code := httpCode(t, handler.Select(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindDispatchError, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindParseError, http.StatusUnprocessableEntity},
		{KindRecommendationFailed, http.StatusConflict},
		{KindPersistenceError, http.StatusInternalServerError},
		{KindInvalidInput, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := statusFor(Outcome{Kind: tt.kind}); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
