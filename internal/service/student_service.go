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

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error)
	ExistsByEmail(ctx context.Context, email, excludeID string) (bool, error)
	ExistsByStudentNumber(ctx context.Context, number, excludeID string) (bool, error)
	HasEnrollments(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
	Delete(ctx context.Context, id string) error
}

// StudentRequest holds payload for creating or updating students.
type StudentRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	Email         string `json:"email" validate:"required,email,max=254"`
	StudentNumber string `json:"student_number" validate:"required,max=20"`
}

func (r StudentRequest) normalised() StudentRequest {
	return StudentRequest{
		Name:          strings.TrimSpace(r.Name),
		Email:         strings.ToLower(strings.TrimSpace(r.Email)),
		StudentNumber: strings.TrimSpace(r.StudentNumber),
	}
}

type studentPage struct {
	Items []models.Student `json:"items"`
	Total int              `json:"total"`
}

// StudentService handles student use-cases.
type StudentService struct {
	repo      studentRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service. cache may be nil.
func NewStudentService(repo studentRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// List returns students and pagination metadata. Plain directory listings
// are served from cache when enabled; course-relative listings always hit the
// database because enrollments change them.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	cacheable := filter.NotInCourseID == ""
	key := studentListKey(filter)

	var page studentPage
	if cacheable && s.cache.Get(ctx, key, &page) {
		return page.Items, paginationFor(filter.Page, filter.PageSize, page.Total), nil
	}

	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, storeFailure(err, "failed to list students")
	}
	if students == nil {
		students = []models.Student{}
	}
	if cacheable {
		s.cache.Set(ctx, key, studentPage{Items: students, Total: total}, 0)
	}
	return students, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns a student by ID.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return nil, storeFailure(err, "failed to load student")
	}
	return student, nil
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, req StudentRequest) (*models.Student, error) {
	req = req.normalised()
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	if err := s.ensureUnique(ctx, req, ""); err != nil {
		return nil, err
	}
	student := &models.Student{Name: req.Name, Email: req.Email, StudentNumber: req.StudentNumber}
	if err := s.repo.Create(ctx, student); err != nil {
		return nil, studentWriteFailure(err, "failed to create student")
	}
	s.invalidate(ctx)
	return student, nil
}

// Update modifies a student. Students referenced by an enrollment are
// immutable.
func (s *StudentService) Update(ctx context.Context, id string, req StudentRequest) (*models.Student, error) {
	req = req.normalised()
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	enrolled, err := s.repo.HasEnrollments(ctx, id)
	if err != nil {
		return nil, storeFailure(err, "failed to check enrollments")
	}
	if enrolled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "student has enrollments and cannot be modified")
	}
	if err := s.ensureUnique(ctx, req, id); err != nil {
		return nil, err
	}
	student.Name = req.Name
	student.Email = req.Email
	student.StudentNumber = req.StudentNumber
	if err := s.repo.Update(ctx, student); err != nil {
		return nil, studentWriteFailure(err, "failed to update student")
	}
	s.invalidate(ctx)
	return student, nil
}

// Delete removes a student together with their enrollments and grades.
func (s *StudentService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStudentNotFound, "")
		}
		return storeFailure(err, "failed to delete student")
	}
	s.invalidate(ctx)
	return nil
}

func (s *StudentService) ensureUnique(ctx context.Context, req StudentRequest, excludeID string) error {
	exists, err := s.repo.ExistsByEmail(ctx, req.Email, excludeID)
	if err != nil {
		return storeFailure(err, "failed to validate email")
	}
	if exists {
		return appErrors.Clone(appErrors.ErrConflict, "email already used")
	}
	exists, err = s.repo.ExistsByStudentNumber(ctx, req.StudentNumber, excludeID)
	if err != nil {
		return storeFailure(err, "failed to validate student number")
	}
	if exists {
		return appErrors.Clone(appErrors.ErrConflict, "student number already used")
	}
	return nil
}

// studentWriteFailure covers writers that pass ensureUnique concurrently; the
// unique constraints decide and the loser sees the same conflict.
func studentWriteFailure(err error, message string) *appErrors.Error {
	switch {
	case repository.IsUniqueViolation(err, repository.ConstraintStudentEmail):
		return appErrors.Clone(appErrors.ErrConflict, "email already used")
	case repository.IsUniqueViolation(err, repository.ConstraintStudentNumber):
		return appErrors.Clone(appErrors.ErrConflict, "student number already used")
	}
	return storeFailure(err, message)
}

func (s *StudentService) invalidate(ctx context.Context) {
	s.cache.Invalidate(ctx, CacheKey("students", "*"))
}

func studentListKey(filter models.StudentFilter) string {
	return CacheKey("students", fmt.Sprintf("q=%s|p=%d|s=%d|sort=%s|%s",
		strings.ToLower(filter.Search), filter.Page, filter.PageSize, filter.SortBy, strings.ToLower(filter.SortOrder)))
}
