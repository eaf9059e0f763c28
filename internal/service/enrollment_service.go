package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	CountByCourse(ctx context.Context, exec sqlx.ExtContext, courseID string) (int, error)
	Exists(ctx context.Context, exec sqlx.ExtContext, studentID, courseID string) (bool, error)
	Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
}

type courseLocker interface {
	LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Course, error)
}

type studentChecker interface {
	Exists(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error)
}

// EnrollRequest describes an admission request.
type EnrollRequest struct {
	StudentID string `json:"student_id" binding:"required,uuid" validate:"required"`
	CourseID  string `json:"course_id" binding:"required,uuid" validate:"required"`
}

// EnrollmentConfig tunes the admission transaction.
type EnrollmentConfig struct {
	LockTimeout time.Duration
}

// EnrollmentService admits students into courses without ever exceeding a
// course's capacity.
type EnrollmentService struct {
	repo      enrollmentRepository
	courses   courseLocker
	students  studentChecker
	tx        txProvider
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       EnrollmentConfig
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, courses courseLocker, students studentChecker, tx txProvider, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg EnrollmentConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, courses: courses, students: students, tx: tx, metrics: metrics, validator: validate, logger: logger, cfg: cfg}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, storeFailure(err, "failed to list enrollments")
	}
	return enrollments, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns a single enrollment with its student, course and grade.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrEnrollmentNotFound, "")
		}
		return nil, storeFailure(err, "failed to load enrollment")
	}
	return detail, nil
}

// Enroll admits a student into a course. The course row is locked for the
// duration of the transaction so the count and insert observe a stable seat
// total; admissions to other courses are unaffected.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest, actor models.Principal) (enrollment *models.Enrollment, err error) {
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		s.metrics.RecordEnrollment(outcome)
		s.metrics.ObserveDBQuery("enroll", time.Since(start))
	}()
	reject := func(label string, e error) (*models.Enrollment, error) {
		outcome = label
		return nil, e
	}

	if actor.Empty() {
		return reject(OutcomeInvalid, appErrors.Clone(appErrors.ErrUnauthorized, "acting user required"))
	}
	if verr := s.validator.Struct(req); verr != nil {
		return reject(OutcomeInvalid, appErrors.Wrap(verr, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload"))
	}

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

	course, err := s.courses.LockByID(ctx, tx, req.CourseID)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return reject(OutcomeNotFound, appErrors.Clone(appErrors.ErrCourseNotFound, ""))
		case repository.IsLockTimeout(err):
			return reject(OutcomeLockTimeout, appErrors.Wrap(err, appErrors.ErrLockTimeout.Code, appErrors.ErrLockTimeout.Status, appErrors.ErrLockTimeout.Message))
		case repository.IsInvalidInput(err):
			return reject(OutcomeInvalid, storeFailure(err, ""))
		}
		return nil, storeFailure(err, "failed to lock course")
	}

	count, err := s.repo.CountByCourse(ctx, tx, course.ID)
	if err != nil {
		return nil, storeFailure(err, "failed to count enrollments")
	}
	if count >= course.Capacity {
		return reject(OutcomeCourseFull, appErrors.Clone(appErrors.ErrCourseFull, fmt.Sprintf("course %s is full", course.Code)))
	}

	exists, err := s.students.Exists(ctx, tx, req.StudentID)
	if err != nil {
		return nil, storeFailure(err, "failed to load student")
	}
	if !exists {
		return reject(OutcomeNotFound, appErrors.Clone(appErrors.ErrStudentNotFound, ""))
	}

	enrolled, err := s.repo.Exists(ctx, tx, req.StudentID, course.ID)
	if err != nil {
		return nil, storeFailure(err, "failed to check enrollment")
	}
	if enrolled {
		return reject(OutcomeAlreadyEnrolled, appErrors.Clone(appErrors.ErrAlreadyEnrolled, ""))
	}

	record := &models.Enrollment{StudentID: req.StudentID, CourseID: course.ID, EnrolledAt: time.Now().UTC()}
	if err = s.repo.Create(ctx, tx, record); err != nil {
		if repository.IsUniqueViolation(err, repository.ConstraintEnrollmentUnique) {
			return reject(OutcomeAlreadyEnrolled, appErrors.Clone(appErrors.ErrAlreadyEnrolled, ""))
		}
		return nil, storeFailure(err, "failed to create enrollment")
	}

	if err = tx.Commit(); err != nil {
		return nil, storeFailure(err, "failed to commit enrollment")
	}

	outcome = OutcomeAdmitted
	s.logger.Info("student enrolled",
		zap.String("enrollment_id", record.ID),
		zap.String("student_id", record.StudentID),
		zap.String("course_id", record.CourseID),
		zap.Int("seats_taken", count+1),
		zap.Int("capacity", course.Capacity),
		zap.String("actor", actor.UserID),
	)
	return record, nil
}
