package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.CourseSummary, int, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Course, error)
	LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Course, error)
	ExistsByCode(ctx context.Context, code, excludeID string) (bool, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, exec sqlx.ExtContext, course *models.Course) error
	Delete(ctx context.Context, id string) error
}

type courseRosterReader interface {
	CountByCourse(ctx context.Context, exec sqlx.ExtContext, courseID string) (int, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
}

type studentLister interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error)
}

// CourseRequest holds payload for creating or updating courses.
type CourseRequest struct {
	Code        string `json:"code" validate:"required,max=20"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
	Capacity    int    `json:"capacity" validate:"required,min=1,max=400"`
}

// CourseService manages course records.
type CourseService struct {
	repo      courseRepository
	roster    courseRosterReader
	students  studentLister
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCourseService constructs the course service.
func NewCourseService(repo courseRepository, roster courseRosterReader, students studentLister, tx txProvider, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, roster: roster, students: students, tx: tx, validator: validate, logger: logger}
}

// List returns courses with their live enrollment counts.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseSummary, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, storeFailure(err, "failed to list courses")
	}
	if courses == nil {
		courses = []models.CourseSummary{}
	}
	return courses, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns a course by ID.
func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrCourseNotFound, "")
		}
		return nil, storeFailure(err, "failed to load course")
	}
	return course, nil
}

// Detail returns the course with its roster and the students not yet enrolled.
func (s *CourseService) Detail(ctx context.Context, id string) (*models.CourseDetail, error) {
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	enrollments, err := s.roster.ListByCourse(ctx, id)
	if err != nil {
		return nil, storeFailure(err, "failed to load course roster")
	}
	if enrollments == nil {
		enrollments = []models.EnrollmentDetail{}
	}
	available, _, err := s.students.List(ctx, models.StudentFilter{NotInCourseID: id, PageSize: 100})
	if err != nil {
		return nil, err
	}
	return &models.CourseDetail{
		CourseSummary:     models.CourseSummary{Course: *course, EnrolledCount: len(enrollments)},
		Enrollments:       enrollments,
		AvailableStudents: available,
	}, nil
}

// Create registers a new course.
func (s *CourseService) Create(ctx context.Context, req CourseRequest) (*models.Course, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	code := normaliseCourseCode(req.Code)
	exists, err := s.repo.ExistsByCode(ctx, code, "")
	if err != nil {
		return nil, storeFailure(err, "failed to validate course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
	}
	course := &models.Course{Code: code, Name: strings.TrimSpace(req.Name), Description: req.Description, Capacity: req.Capacity}
	if err := s.repo.Create(ctx, course); err != nil {
		if repository.IsUniqueViolation(err, repository.ConstraintCourseCode) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
		}
		return nil, storeFailure(err, "failed to create course")
	}
	return course, nil
}

// Update modifies a course. The course row is locked so a capacity change
// cannot race an admission into the same course.
func (s *CourseService) Update(ctx context.Context, id string, req CourseRequest) (course *models.Course, err error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	code := normaliseCourseCode(req.Code)
	exists, err := s.repo.ExistsByCode(ctx, code, id)
	if err != nil {
		return nil, storeFailure(err, "failed to validate course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
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

	course, err = s.repo.LockByID(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrCourseNotFound, "")
		}
		return nil, storeFailure(err, "failed to lock course")
	}
	count, err := s.roster.CountByCourse(ctx, tx, id)
	if err != nil {
		return nil, storeFailure(err, "failed to count enrollments")
	}
	if req.Capacity < count {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("capacity %d is below the %d students already enrolled", req.Capacity, count))
	}

	course.Code = code
	course.Name = strings.TrimSpace(req.Name)
	course.Description = req.Description
	course.Capacity = req.Capacity
	if err = s.repo.Update(ctx, tx, course); err != nil {
		if repository.IsUniqueViolation(err, repository.ConstraintCourseCode) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "course code already used")
		}
		return nil, storeFailure(err, "failed to update course")
	}
	if err = tx.Commit(); err != nil {
		return nil, storeFailure(err, "failed to commit course")
	}
	return course, nil
}

// Delete removes a course with its enrollments, grades and audits.
func (s *CourseService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrCourseNotFound, "")
		}
		return storeFailure(err, "failed to delete course")
	}
	s.logger.Info("course deleted", zap.String("course_id", id))
	return nil
}

func (s *CourseService) validate(req CourseRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	return nil
}

func normaliseCourseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
