package allocation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/orchestrate/orchestrate/internal/platform/auth"
	"github.com/orchestrate/orchestrate/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, staff, patient (patients only see their own records)
	readGroup := api.Group("", auth.RequireRole("admin", "staff", "patient"))
	readGroup.GET("/resources", h.ListResources)
	readGroup.GET("/resources/summary", h.ResourceSummary)
	readGroup.GET("/resources/:id", h.GetResource)
	readGroup.GET("/requests", h.ListRequests)
	readGroup.GET("/requests/pending", h.ListPending)
	readGroup.GET("/requests/:id", h.GetRequest)
	readGroup.GET("/assignments", h.ListAssignments)

	// Submission – patient, admin
	submitGroup := api.Group("", auth.RequireRole("admin", "patient"))
	submitGroup.POST("/requests", h.SubmitRequest)

	// Allocation and discharge – admin
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/allocations", h.AllocateAll)
	adminGroup.POST("/requests/:id/allocate", h.AllocateOne)
	adminGroup.POST("/patients/:patient_id/discharge", h.Discharge)
	adminGroup.GET("/reports/utilization.xlsx", h.UtilizationReport)
}

type timeWindowBody struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtfield=Start"`
}

type submitRequestBody struct {
	PatientID     string          `json:"patient_id" validate:"omitempty,max=128"`
	RequiredTypes []string        `json:"required_types" validate:"required,min=1,dive,required"`
	Priority      string          `json:"priority" validate:"omitempty,oneof=High Medium Low"`
	Comments      *string         `json:"comments" validate:"omitempty,max=2000"`
	TimeWindow    *timeWindowBody `json:"time_window" validate:"omitempty"`
}

// -- Request Handlers --

func (h *Handler) SubmitRequest(c echo.Context) error {
	var body submitRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patientID, err := submitterPatientID(c, body.PatientID)
	if err != nil {
		return err
	}
	s := Submission{
		PatientID: patientID,
		Priority:  Priority(body.Priority),
		Comments:  body.Comments,
	}
	for _, name := range body.RequiredTypes {
		t, err := ParseResourceType(name)
		if err != nil {
			return httpError(err)
		}
		s.RequiredTypes = append(s.RequiredTypes, t)
	}
	if body.TimeWindow != nil {
		s.TimeWindow = &TimeWindow{Start: body.TimeWindow.Start, End: body.TimeWindow.End}
	}

	r, err := h.engine.Submit(c.Request().Context(), s)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

// submitterPatientID resolves whose request is being submitted. Admins name
// the patient explicitly; patients submit for themselves only.
func submitterPatientID(c echo.Context, requested string) (string, error) {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "admin") {
		return requested, nil
	}
	self := auth.UserIDFromContext(ctx)
	if self == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	if requested != "" && requested != self {
		return "", echo.NewHTTPError(http.StatusForbidden, "patients may only submit requests for themselves")
	}
	return self, nil
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.engine.GetRequest(id)
	if err != nil {
		return httpError(err)
	}
	if !canSeePatient(c, r.PatientID) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := RequestFilter{
		Status:    RequestStatus(c.QueryParam("status")),
		PatientID: scopedPatientID(c, c.QueryParam("patient_id")),
	}
	switch f.Status {
	case "", StatusPending, StatusAssigned, StatusCompleted:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	items := h.engine.ListRequests(f)
	start, end := pg.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	items := h.engine.PendingRequests(scopedPatientID(c, c.QueryParam("patient_id")))
	start, end := pg.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

// -- Resource Handlers --

func (h *Handler) ListResources(c echo.Context) error {
	pg := pagination.FromContext(c)
	var t ResourceType
	if raw := c.QueryParam("type"); raw != "" {
		parsed, err := ParseResourceType(raw)
		if err != nil {
			return httpError(err)
		}
		t = parsed
	}
	items := h.engine.ListResources(t)
	start, end := pg.Window(len(items))
	page := items[start:end]
	for i := range page {
		hideForeignHolder(c, &page[i])
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page, len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetResource(c echo.Context) error {
	u, err := h.engine.GetResource(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	hideForeignHolder(c, &u)
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ResourceSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.ResourceSummary())
}

// -- Allocation Handlers --

func (h *Handler) AllocateAll(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Allocate(c.Request().Context()))
}

func (h *Handler) AllocateOne(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.AllocateRequest(c.Request().Context(), id)
	if errors.Is(err, ErrInsufficientResources) {
		return c.JSON(http.StatusConflict, res)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Discharge(c echo.Context) error {
	res, err := h.engine.Discharge(c.Request().Context(), c.Param("patient_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := AssignmentFilter{PatientID: scopedPatientID(c, c.QueryParam("patient_id"))}
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active flag")
		}
		f.ActiveOnly = active
	}
	items := h.engine.ListAssignments(f)
	start, end := pg.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

// -- Reports --

func (h *Handler) UtilizationReport(c echo.Context) error {
	data, err := BuildUtilizationWorkbook(h.engine.Snapshot())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="utilization.xlsx"`)
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// scopedPatientID pins patient-only callers to their own records.
func scopedPatientID(c echo.Context, requested string) string {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "admin") || auth.HasRole(ctx, "staff") {
		return requested
	}
	return auth.UserIDFromContext(ctx)
}

func canSeePatient(c echo.Context, patientID string) bool {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "admin") || auth.HasRole(ctx, "staff") {
		return true
	}
	return auth.UserIDFromContext(ctx) == patientID
}

// hideForeignHolder blanks the holder of a unit occupied by a patient the
// caller may not see. The status is left as is.
func hideForeignHolder(c echo.Context, u *ResourceUnit) {
	if u.OccupiedBy != nil && !canSeePatient(c, *u.OccupiedBy) {
		u.OccupiedBy = nil
	}
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrResourceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInsufficientResources):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
