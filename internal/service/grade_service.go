package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type gradeRepository interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Grade, error)
	FindByEnrollmentForUpdate(ctx context.Context, tx sqlx.ExtContext, enrollmentID string) (*models.Grade, error)
	Create(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error
	Update(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error
	List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error)
}

type gradeAuditRepository interface {
	Append(ctx context.Context, tx sqlx.ExtContext, audit *models.GradeAudit) error
	ListByGrade(ctx context.Context, gradeID string) ([]models.GradeAudit, error)
}

type enrollmentLocker interface {
	LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Enrollment, error)
}

// Grade write outcomes beyond the shared ones.
const (
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeConflict = "conflict"
)

type gradeWriteMode int

const (
	gradeCreateOnly gradeWriteMode = iota
	gradeUpdateOnly
	gradeCreateOrUpdate
)

func (m gradeWriteMode) String() string {
	switch m {
	case gradeCreateOnly:
		return "create"
	case gradeUpdateOnly:
		return "update"
	default:
		return "submit"
	}
}

// SubmitGradeRequest carries a grade for an enrollment.
type SubmitGradeRequest struct {
	EnrollmentID string   `json:"enrollment_id" binding:"required,uuid"`
	Value        *float64 `json:"value" binding:"required"`
}

// UpdateGradeRequest carries a new value for an existing grade.
type UpdateGradeRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

// GradeConfig tunes ledger transactions.
type GradeConfig struct {
	LockTimeout time.Duration
}

// GradeService records grades and keeps an append-only history of every
// change. A grade never commits without its audit entry.
type GradeService struct {
	grades      gradeRepository
	audits      gradeAuditRepository
	enrollments enrollmentLocker
	tx          txProvider
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         GradeConfig
}

// NewGradeService constructs the ledger service.
func NewGradeService(grades gradeRepository, audits gradeAuditRepository, enrollments enrollmentLocker, tx txProvider, metrics *MetricsService, logger *zap.Logger, cfg GradeConfig) *GradeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradeService{grades: grades, audits: audits, enrollments: enrollments, tx: tx, metrics: metrics, logger: logger, cfg: cfg}
}

// List returns grades filtered by enrollment or course.
func (s *GradeService) List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	grades, err := s.grades.List(ctx, filter)
	if err != nil {
		return nil, storeFailure(err, "failed to list grades")
	}
	if grades == nil {
		grades = []models.Grade{}
	}
	return grades, nil
}

// Get returns a grade by ID.
func (s *GradeService) Get(ctx context.Context, id string) (*models.Grade, error) {
	grade, err := s.grades.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrGradeNotFound, "")
		}
		return nil, storeFailure(err, "failed to load grade")
	}
	return grade, nil
}

// Create records the first grade of an enrollment.
func (s *GradeService) Create(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error) {
	return s.write(ctx, gradeCreateOnly, enrollmentID, "", value, actor)
}

// Update changes the value of an existing grade.
func (s *GradeService) Update(ctx context.Context, gradeID string, value float64, actor models.Principal) (*models.Grade, error) {
	return s.write(ctx, gradeUpdateOnly, "", gradeID, value, actor)
}

// SubmitOrUpdate creates the enrollment's grade or revises the existing one.
func (s *GradeService) SubmitOrUpdate(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error) {
	return s.write(ctx, gradeCreateOrUpdate, enrollmentID, "", value, actor)
}

// ListAudits returns a grade's history, newest first.
func (s *GradeService) ListAudits(ctx context.Context, gradeID string) ([]models.GradeAudit, error) {
	if _, err := s.Get(ctx, gradeID); err != nil {
		return nil, err
	}
	audits, err := s.audits.ListByGrade(ctx, gradeID)
	if err != nil {
		return nil, storeFailure(err, "failed to list grade audits")
	}
	if audits == nil {
		audits = []models.GradeAudit{}
	}
	return audits, nil
}

// write is the single path every ledger mutation goes through. Exactly one
// of enrollmentID and gradeID is set.
func (s *GradeService) write(ctx context.Context, mode gradeWriteMode, enrollmentID, gradeID string, value float64, actor models.Principal) (grade *models.Grade, err error) {
	outcome := OutcomeError
	defer func() { s.metrics.RecordGradeWrite(mode.String(), outcome) }()
	reject := func(label string, e error) (*models.Grade, error) {
		outcome = label
		return nil, e
	}

	if actor.Empty() {
		return reject(OutcomeInvalid, appErrors.Clone(appErrors.ErrUnauthorized, "acting user required"))
	}
	if !models.ValidGradeValue(value) {
		return reject(OutcomeInvalid, appErrors.Clone(appErrors.ErrInvalidGradeValue, ""))
	}
	if enrollmentID == "" && gradeID == "" {
		return reject(OutcomeInvalid, appErrors.Clone(appErrors.ErrValidation, "enrollment_id is required"))
	}
	value = models.RoundGradeValue(value)

	tx, err := s.tx.BeginTxx(ctx, readCommitted)
	if err != nil {
		return nil, storeFailure(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = setLockTimeout(ctx, tx, s.cfg.LockTimeout); err != nil {
		return nil, storeFailure(err, "failed to prepare transaction")
	}

	if gradeID != "" {
		existing, findErr := s.grades.FindByID(ctx, tx, gradeID)
		if findErr != nil {
			if errors.Is(findErr, sql.ErrNoRows) {
				return reject(OutcomeNotFound, appErrors.Clone(appErrors.ErrGradeNotFound, ""))
			}
			return nil, storeFailure(findErr, "failed to load grade")
		}
		enrollmentID = existing.EnrollmentID
	}

	// The enrollment row lock orders concurrent writers, including the first
	// ones, so a later writer always sees the grade an earlier one committed.
	if _, err = s.enrollments.LockByID(ctx, tx, enrollmentID); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return reject(OutcomeNotFound, appErrors.Clone(appErrors.ErrEnrollmentNotFound, ""))
		case repository.IsLockTimeout(err):
			return reject(OutcomeLockTimeout, appErrors.Wrap(err, appErrors.ErrLockTimeout.Code, appErrors.ErrLockTimeout.Status, appErrors.ErrLockTimeout.Message))
		case repository.IsInvalidInput(err):
			return reject(OutcomeInvalid, storeFailure(err, ""))
		}
		return nil, storeFailure(err, "failed to lock enrollment")
	}

	current, err := s.grades.FindByEnrollmentForUpdate(ctx, tx, enrollmentID)
	if err != nil {
		if repository.IsLockTimeout(err) {
			return reject(OutcomeLockTimeout, appErrors.Wrap(err, appErrors.ErrLockTimeout.Code, appErrors.ErrLockTimeout.Status, appErrors.ErrLockTimeout.Message))
		}
		return nil, storeFailure(err, "failed to lock grade")
	}

	if current == nil {
		if mode == gradeUpdateOnly {
			return reject(OutcomeNotFound, appErrors.Clone(appErrors.ErrGradeNotFound, ""))
		}
		grade = &models.Grade{EnrollmentID: enrollmentID, Value: value, GradedBy: actorRef(actor)}
		if err = s.grades.Create(ctx, tx, grade); err != nil {
			if repository.IsUniqueViolation(err, repository.ConstraintGradeEnrollment) {
				return reject(OutcomeConflict, appErrors.Clone(appErrors.ErrGradeExists, ""))
			}
			return nil, storeFailure(err, "failed to create grade")
		}
		audit := &models.GradeAudit{GradeID: grade.ID, PreviousValue: nil, NewValue: value, ChangedBy: actorRef(actor), ChangedAt: grade.CreatedAt}
		if err = s.audits.Append(ctx, tx, audit); err != nil {
			return nil, storeFailure(err, "failed to record grade audit")
		}
		outcome = OutcomeCreated
	} else {
		if mode == gradeCreateOnly {
			return reject(OutcomeConflict, appErrors.Clone(appErrors.ErrGradeExists, ""))
		}
		previous := current.Value
		grade = current
		grade.Value = value
		grade.GradedBy = actorRef(actor)
		if err = s.grades.Update(ctx, tx, grade); err != nil {
			return nil, storeFailure(err, "failed to update grade")
		}
		audit := &models.GradeAudit{GradeID: grade.ID, PreviousValue: &previous, NewValue: value, ChangedBy: actorRef(actor), ChangedAt: grade.UpdatedAt}
		if err = s.audits.Append(ctx, tx, audit); err != nil {
			return nil, storeFailure(err, "failed to record grade audit")
		}
		outcome = OutcomeUpdated
	}

	if err = tx.Commit(); err != nil {
		outcome = OutcomeError
		return nil, storeFailure(err, "failed to commit grade")
	}

	s.logger.Info("grade recorded",
		zap.String("grade_id", grade.ID),
		zap.String("enrollment_id", grade.EnrollmentID),
		zap.Float64("value", grade.Value),
		zap.String("operation", mode.String()),
		zap.String("result", outcome),
		zap.String("actor", actor.UserID),
	)
	return grade, nil
}
