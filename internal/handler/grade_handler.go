package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/service"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
	"github.com/noah-isme/course-ledger-api/pkg/response"
)

type gradeService interface {
	List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error)
	Get(ctx context.Context, id string) (*models.Grade, error)
	Create(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error)
	Update(ctx context.Context, gradeID string, value float64, actor models.Principal) (*models.Grade, error)
	SubmitOrUpdate(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error)
	ListAudits(ctx context.Context, gradeID string) ([]models.GradeAudit, error)
}

type auditExporter interface {
	AuditTrail(ctx context.Context, gradeID string, format service.ExportFormat) (*service.ExportFile, error)
}

// GradeHandler exposes grade ledger endpoints.
type GradeHandler struct {
	grades   gradeService
	exporter auditExporter
}

// NewGradeHandler constructs GradeHandler.
func NewGradeHandler(grades gradeService, exporter auditExporter) *GradeHandler {
	return &GradeHandler{grades: grades, exporter: exporter}
}

// List godoc
// @Summary List grades
// @Tags Grades
// @Produce json
// @Param enrollmentId query string false "Filter by enrollment"
// @Param courseId query string false "Filter by course"
// @Success 200 {object} response.Envelope
// @Router /grades [get]
func (h *GradeHandler) List(c *gin.Context) {
	grades, err := h.grades.List(c.Request.Context(), models.GradeFilter{
		EnrollmentID: c.Query("enrollmentId"),
		CourseID:     c.Query("courseId"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grades, nil)
}

// Get godoc
// @Summary Get grade
// @Tags Grades
// @Produce json
// @Param id path string true "Grade ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grades/{id} [get]
func (h *GradeHandler) Get(c *gin.Context) {
	id, ok := pathID(c, appErrors.ErrGradeNotFound)
	if !ok {
		return
	}
	grade, err := h.grades.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// Create godoc
// @Summary Create the first grade of an enrollment
// @Tags Grades
// @Accept json
// @Produce json
// @Param payload body service.SubmitGradeRequest true "Grade payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /grades [post]
func (h *GradeHandler) Create(c *gin.Context) {
	var req service.SubmitGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.grades.Create(c.Request.Context(), req.EnrollmentID, *req.Value, principalFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, grade)
}

// Update godoc
// @Summary Revise a grade
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Grade ID"
// @Param payload body service.UpdateGradeRequest true "Grade payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grades/{id} [put]
func (h *GradeHandler) Update(c *gin.Context) {
	var req service.UpdateGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	id, ok := pathID(c, appErrors.ErrGradeNotFound)
	if !ok {
		return
	}
	grade, err := h.grades.Update(c.Request.Context(), id, *req.Value, principalFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// Submit godoc
// @Summary Create or revise the grade of an enrollment
// @Tags Grades
// @Accept json
// @Produce json
// @Param payload body service.SubmitGradeRequest true "Grade payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grades/submit [post]
func (h *GradeHandler) Submit(c *gin.Context) {
	var req service.SubmitGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.grades.SubmitOrUpdate(c.Request.Context(), req.EnrollmentID, *req.Value, principalFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// Audits godoc
// @Summary Grade history, newest first
// @Tags Grades
// @Produce json
// @Param id path string true "Grade ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /grades/{id}/audits [get]
func (h *GradeHandler) Audits(c *gin.Context) {
	id, ok := pathID(c, appErrors.ErrGradeNotFound)
	if !ok {
		return
	}
	audits, err := h.grades.ListAudits(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, audits, nil)
}

// ExportAudits godoc
// @Summary Download grade history
// @Tags Grades
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Grade ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /grades/{id}/audits/export [get]
func (h *GradeHandler) ExportAudits(c *gin.Context) {
	format := service.ExportFormat(strings.ToLower(c.DefaultQuery("format", string(service.ExportFormatCSV))))
	id, ok := pathID(c, appErrors.ErrGradeNotFound)
	if !ok {
		return
	}
	file, err := h.exporter.AuditTrail(c.Request.Context(), id, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+file.Filename+`"`)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}
