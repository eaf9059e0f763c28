package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-ledger-api/internal/models"
)

const studentColumns = "id, name, email, student_number, created_at, updated_at"

// StudentRepository handles persistence for students.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository creates a new StudentRepository instance.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// List returns students filtered by search term. NotInCourseID limits the
// result to students without an enrollment in that course.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		idx := len(args)
		conditions = append(conditions, fmt.Sprintf("(LOWER(s.name) LIKE $%d OR LOWER(s.email) LIKE $%d OR LOWER(s.student_number) LIKE $%d)", idx, idx, idx))
	}
	if filter.NotInCourseID != "" {
		args = append(args, filter.NotInCourseID)
		conditions = append(conditions, fmt.Sprintf("NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.student_id = s.id AND e.course_id = $%d)", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"name":           "s.name",
		"email":          "s.email",
		"student_number": "s.student_number",
		"created_at":     "s.created_at",
	}
	column, ok := allowedSorts[filter.SortBy]
	if !ok {
		column = "s.name"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page, size := normalisePage(filter.Page, filter.PageSize)
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT s.id, s.name, s.email, s.student_number, s.created_at, s.updated_at FROM students s%s ORDER BY %s %s LIMIT %d OFFSET %d", where, column, order, size, offset)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM students s"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID fetches a student. sql.ErrNoRows is returned unwrapped.
func (r *StudentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	query := "SELECT " + studentColumns + " FROM students WHERE id = $1"
	var student models.Student
	if err := sqlx.GetContext(ctx, r.exec(exec), &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// Exists reports whether a student row is present.
func (r *StudentRepository) Exists(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, "SELECT EXISTS(SELECT 1 FROM students WHERE id = $1)", id); err != nil {
		return false, fmt.Errorf("check student exists: %w", err)
	}
	return exists, nil
}

// ExistsByEmail checks if an email is already used, optionally excluding an ID.
func (r *StudentRepository) ExistsByEmail(ctx context.Context, email, excludeID string) (bool, error) {
	return r.existsBy(ctx, "email", email, excludeID)
}

// ExistsByStudentNumber checks if a student number is already used.
func (r *StudentRepository) ExistsByStudentNumber(ctx context.Context, number, excludeID string) (bool, error) {
	return r.existsBy(ctx, "student_number", number, excludeID)
}

func (r *StudentRepository) existsBy(ctx context.Context, column, value, excludeID string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM students WHERE %s = $1 AND ($2 = '' OR id::text <> $2))", column)
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, value, excludeID); err != nil {
		return false, fmt.Errorf("check student %s: %w", column, err)
	}
	return exists, nil
}

// HasEnrollments reports whether any enrollment references the student.
func (r *StudentRepository) HasEnrollments(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1)", id); err != nil {
		return false, fmt.Errorf("check student enrollments: %w", err)
	}
	return exists, nil
}

// Create inserts a new student.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	student.CreatedAt = now
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, name, email, student_number, created_at, updated_at)
        VALUES (:id, :name, :email, :student_number, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update modifies an existing student.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students SET name = :name, email = :email, student_number = :student_number, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	return nil
}

// Delete removes a student; enrollments cascade.
func (r *StudentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM students WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
