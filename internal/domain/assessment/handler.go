package assessment

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/goalplan/internal/platform/auth"
)

type Handler struct {
	submitter *Submitter
}

func NewHandler(s *Submitter) *Handler {
	return &Handler{submitter: s}
}

// RegisterRoutes mounts the assessment endpoints. submit wraps only the
// creating POST, which is the one that starts a workflow.
func (h *Handler) RegisterRoutes(api *echo.Group, submit ...echo.MiddlewareFunc) {
	g := api.Group("/assessments", auth.RequireRole(auth.RoleClinician, auth.RoleTherapist), auth.RequireUser())
	g.POST("", h.Create, submit...)
	g.GET("/:id/recommendations", h.GetRecommendations)
	g.DELETE("/:id/poll", h.CancelPoll)
	g.POST("/:id/selection", h.Select)
}

type createRequest struct {
	PatientID        uuid.UUID `json:"patient_id"`
	FocusTime        string    `json:"focus_time"`
	MotivationLevel  int       `json:"motivation_level"`
	PastSuccesses    []string  `json:"past_successes"`
	Constraints      []string  `json:"constraints"`
	SocialPreference string    `json:"social_preference"`
	Notes            string    `json:"notes"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	sess, err := h.submitter.Start(ctx, SubmitInput{
		PatientID:        req.PatientID,
		AssessedBy:       auth.UserIDFromContext(ctx),
		FocusTime:        req.FocusTime,
		MotivationLevel:  req.MotivationLevel,
		PastSuccesses:    req.PastSuccesses,
		Constraints:      req.Constraints,
		SocialPreference: req.SocialPreference,
		Notes:            req.Notes,
	})
	if err != nil {
		return outcomeError(Classify(uuid.Nil, err))
	}
	return c.JSON(http.StatusAccepted, View{AssessmentID: sess.AssessmentID, State: sess.State()})
}

func (h *Handler) GetRecommendations(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	view, err := h.submitter.Status(c.Request().Context(), id)
	if err != nil {
		return outcomeError(Classify(id, err))
	}
	if o := view.Outcome; o != nil && !o.OK() && o.Kind != KindCancelled {
		return outcomeError(*o)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CancelPoll(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if !h.submitter.Cancel(id) {
		return echo.NewHTTPError(http.StatusNotFound, "no running session for assessment")
	}
	return c.NoContent(http.StatusNoContent)
}

type selectRequest struct {
	OptionIndex *int   `json:"option_index"`
	StartDate   string `json:"start_date"`
}

func (h *Handler) Select(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OptionIndex == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "option_index is required")
	}
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date must be YYYY-MM-DD")
	}

	ctx := c.Request().Context()
	o := h.submitter.Select(ctx, SelectInput{
		AssessmentID: id,
		OptionIndex:  *req.OptionIndex,
		StartDate:    start,
		SelectedBy:   auth.UserIDFromContext(ctx),
	})
	if !o.OK() {
		return outcomeError(o)
	}
	return c.JSON(http.StatusCreated, o)
}

// outcomeError turns a failed outcome into the HTTP error for its kind.
func outcomeError(o Outcome) error {
	return echo.NewHTTPError(statusFor(o), map[string]any{
		"kind":      o.Kind,
		"message":   o.Message(),
		"retryable": o.Retryable,
	})
}

func statusFor(o Outcome) int {
	switch o.Kind {
	case KindDispatchError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindParseError:
		return http.StatusUnprocessableEntity
	case KindRecommendationFailed, KindCancelled:
		return http.StatusConflict
	case KindInvalidInput:
		switch {
		case errors.Is(o.Err, ErrNotFound), errors.Is(o.Err, ErrPatientNotFound):
			return http.StatusNotFound
		case errors.Is(o.Err, ErrNotReady):
			return http.StatusConflict
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
