package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-ledger-api/internal/models"
)

const enrollmentDetailSelect = `SELECT e.id, e.student_id, e.course_id, e.enrolled_at,
        s.name AS student_name, s.student_number AS student_number,
        c.code AS course_code, c.name AS course_name,
        g.id AS grade_id, g.value AS grade_value
    FROM enrollments e
    JOIN students s ON s.id = e.student_id
    JOIN courses c ON c.id = e.course_id
    LEFT JOIN grades g ON g.enrollment_id = e.id`

// EnrollmentRepository handles persistence of student enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// CountByCourse counts enrollments of a course as seen by exec.
func (r *EnrollmentRepository) CountByCourse(ctx context.Context, exec sqlx.ExtContext, courseID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.exec(exec), &count, "SELECT COUNT(*) FROM enrollments WHERE course_id = $1", courseID); err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return count, nil
}

// Exists reports whether the student is already enrolled in the course.
func (r *EnrollmentRepository) Exists(ctx context.Context, exec sqlx.ExtContext, studentID, courseID string) (bool, error) {
	var exists bool
	const query = "SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2)"
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, studentID, courseID); err != nil {
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return exists, nil
}

// Create inserts an enrollment. Unique violations are returned unwrapped from
// the driver so callers can classify them.
func (r *EnrollmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, student_id, course_id, enrolled_at) VALUES (:id, :student_id, :course_id, :enrolled_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// LockByID fetches an enrollment and holds a row lock on it until tx ends,
// serialising grade writes for that enrollment. sql.ErrNoRows is returned
// unwrapped.
func (r *EnrollmentRepository) LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	const query = "SELECT id, student_id, course_id, enrolled_at FROM enrollments WHERE id = $1 FOR UPDATE"
	if err := sqlx.GetContext(ctx, tx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID fetches an enrollment with student, course and grade columns.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, enrollmentDetailSelect+" WHERE e.id = $1", id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns enrollment details filtered by student or course.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)))
	}
	if filter.CourseID != "" {
		args = append(args, filter.CourseID)
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "s.name",
		"course_code":  "c.code",
	}
	column, ok := allowedSorts[filter.SortBy]
	if !ok {
		column = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalisePage(filter.Page, filter.PageSize)
	offset := (page - 1) * size

	query := fmt.Sprintf("%s%s ORDER BY %s %s LIMIT %d OFFSET %d", enrollmentDetailSelect, where, column, order, size, offset)
	var details []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &details, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM enrollments e"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return details, total, nil
}

// ListByCourse returns every enrollment of a course ordered by student name.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	var details []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &details, enrollmentDetailSelect+" WHERE e.course_id = $1 ORDER BY s.name ASC", courseID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return details, nil
}
