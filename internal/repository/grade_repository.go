package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-ledger-api/internal/models"
)

const gradeColumns = "id, enrollment_id, value, graded_by, created_at, updated_at"

// GradeRepository persists the current grade of each enrollment.
type GradeRepository struct {
	db *sqlx.DB
}

// NewGradeRepository constructs the repository.
func NewGradeRepository(db *sqlx.DB) *GradeRepository {
	return &GradeRepository{db: db}
}

func (r *GradeRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByID fetches a grade. sql.ErrNoRows is returned unwrapped.
func (r *GradeRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Grade, error) {
	var grade models.Grade
	if err := sqlx.GetContext(ctx, r.exec(exec), &grade, "SELECT "+gradeColumns+" FROM grades WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &grade, nil
}

// FindByEnrollmentForUpdate locks and returns the grade of an enrollment.
// It returns nil without error when the enrollment has no grade yet.
func (r *GradeRepository) FindByEnrollmentForUpdate(ctx context.Context, tx sqlx.ExtContext, enrollmentID string) (*models.Grade, error) {
	var grade models.Grade
	query := "SELECT " + gradeColumns + " FROM grades WHERE enrollment_id = $1 FOR UPDATE"
	if err := sqlx.GetContext(ctx, tx, &grade, query, enrollmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock grade: %w", err)
	}
	return &grade, nil
}

// Create inserts a grade. Unique violations on the enrollment are surfaced
// to the caller.
func (r *GradeRepository) Create(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	grade.CreatedAt = now
	grade.UpdatedAt = now
	const query = `INSERT INTO grades (id, enrollment_id, value, graded_by, created_at, updated_at)
        VALUES (:id, :enrollment_id, :value, :graded_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, grade); err != nil {
		return fmt.Errorf("create grade: %w", err)
	}
	return nil
}

// Update stores a new value for an existing grade.
func (r *GradeRepository) Update(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error {
	grade.UpdatedAt = time.Now().UTC()
	const query = `UPDATE grades SET value = :value, graded_by = :graded_by, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, grade); err != nil {
		return fmt.Errorf("update grade: %w", err)
	}
	return nil
}

// List returns grades filtered by enrollment or course.
func (r *GradeRepository) List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.EnrollmentID != "" {
		args = append(args, filter.EnrollmentID)
		conditions = append(conditions, fmt.Sprintf("g.enrollment_id = $%d", len(args)))
	}
	if filter.CourseID != "" {
		args = append(args, filter.CourseID)
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)))
	}
	query := "SELECT g.id, g.enrollment_id, g.value, g.graded_by, g.created_at, g.updated_at FROM grades g JOIN enrollments e ON e.id = g.enrollment_id"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY g.updated_at DESC"

	var grades []models.Grade
	if err := r.db.SelectContext(ctx, &grades, query, args...); err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	return grades, nil
}
