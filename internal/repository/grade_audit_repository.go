package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-ledger-api/internal/models"
)

// GradeAuditRepository appends and reads grade history. Rows are never
// updated; the table rejects UPDATE at the database level.
type GradeAuditRepository struct {
	db *sqlx.DB
}

// NewGradeAuditRepository constructs the repository.
func NewGradeAuditRepository(db *sqlx.DB) *GradeAuditRepository {
	return &GradeAuditRepository{db: db}
}

// Append writes one audit entry inside tx and fills in its sequence number.
func (r *GradeAuditRepository) Append(ctx context.Context, tx sqlx.ExtContext, audit *models.GradeAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.ChangedAt.IsZero() {
		audit.ChangedAt = time.Now().UTC()
	}
	const query = `INSERT INTO grade_audits (id, grade_id, previous_value, new_value, changed_by, changed_at)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`
	if err := sqlx.GetContext(ctx, tx, &audit.Seq, query,
		audit.ID, audit.GradeID, audit.PreviousValue, audit.NewValue, audit.ChangedBy, audit.ChangedAt); err != nil {
		return fmt.Errorf("append grade audit: %w", err)
	}
	return nil
}

// ListByGrade returns a grade's history, newest first. Entries sharing a
// timestamp are ordered by insertion sequence.
func (r *GradeAuditRepository) ListByGrade(ctx context.Context, gradeID string) ([]models.GradeAudit, error) {
	const query = `SELECT id, seq, grade_id, previous_value, new_value, changed_by, changed_at
        FROM grade_audits WHERE grade_id = $1 ORDER BY changed_at DESC, seq DESC`
	var audits []models.GradeAudit
	if err := r.db.SelectContext(ctx, &audits, query, gradeID); err != nil {
		return nil, fmt.Errorf("list grade audits: %w", err)
	}
	return audits, nil
}
