package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/models"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
	"github.com/noah-isme/course-ledger-api/pkg/export"
)

// ExportFormat names a rendered file type.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

type gradeHistorySource interface {
	Get(ctx context.Context, id string) (*models.Grade, error)
	ListAudits(ctx context.Context, gradeID string) ([]models.GradeAudit, error)
}

type enrollmentDetailer interface {
	Get(ctx context.Context, id string) (*models.EnrollmentDetail, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered download.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders grade histories for download.
type ExportService struct {
	grades      gradeHistorySource
	enrollments enrollmentDetailer
	csv         csvRenderer
	pdf         pdfRenderer
	logger      *zap.Logger
}

// NewExportService constructs an ExportService. Nil renderers fall back to
// the default exporters.
func NewExportService(grades gradeHistorySource, enrollments enrollmentDetailer, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{grades: grades, enrollments: enrollments, csv: csv, pdf: pdf, logger: logger}
}

// AuditTrail renders a grade's history, newest first, as CSV or PDF.
func (s *ExportService) AuditTrail(ctx context.Context, gradeID string, format ExportFormat) (*ExportFile, error) {
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	grade, err := s.grades.Get(ctx, gradeID)
	if err != nil {
		return nil, err
	}
	audits, err := s.grades.ListAudits(ctx, gradeID)
	if err != nil {
		return nil, err
	}
	detail, err := s.enrollments.Get(ctx, grade.EnrollmentID)
	if err != nil {
		return nil, err
	}

	dataset := auditDataset(grade, detail, audits)
	var payload []byte
	contentType := "text/csv"
	if format == ExportFormatPDF {
		contentType = "application/pdf"
		payload, err = s.pdf.Render(dataset)
	} else {
		payload, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	return &ExportFile{
		Filename:    fmt.Sprintf("grade_%s_%s_history.%s", sanitizeFilename(detail.CourseCode), sanitizeFilename(detail.StudentNumber), format),
		ContentType: contentType,
		Data:        payload,
	}, nil
}

func auditDataset(grade *models.Grade, detail *models.EnrollmentDetail, audits []models.GradeAudit) export.Dataset {
	rows := make([][]string, 0, len(audits))
	for _, audit := range audits {
		previous := ""
		if audit.PreviousValue != nil {
			previous = formatGrade(*audit.PreviousValue)
		}
		rows = append(rows, []string{
			audit.ChangedAt.UTC().Format(time.RFC3339),
			previous,
			formatGrade(audit.NewValue),
			deref(audit.ChangedBy),
		})
	}
	return export.Dataset{
		Title: "Grade history",
		Caption: []string{
			fmt.Sprintf("Course: %s %s", detail.CourseCode, detail.CourseName),
			fmt.Sprintf("Student: %s (%s)", detail.StudentName, detail.StudentNumber),
			fmt.Sprintf("Current grade: %s", formatGrade(grade.Value)),
		},
		Headers: []string{"changed_at", "previous_value", "new_value", "changed_by"},
		Rows:    rows,
	}
}

func formatGrade(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := replacer.Replace(raw)
	if len(result) > 60 {
		return result[:60]
	}
	return result
}
