package models

import (
	"math"
	"time"
)

const (
	// MinGradeValue is the lowest accepted grade.
	MinGradeValue = 0.0
	// MaxGradeValue is the highest accepted grade.
	MaxGradeValue = 100.0
)

// Grade is the current grade of an enrollment. There is at most one per enrollment.
type Grade struct {
	ID           string    `db:"id" json:"id"`
	EnrollmentID string    `db:"enrollment_id" json:"enrollment_id"`
	Value        float64   `db:"value" json:"value"`
	GradedBy     *string   `db:"graded_by" json:"graded_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// GradeAudit is one immutable entry of a grade's history. PreviousValue is
// nil for the creation event.
type GradeAudit struct {
	ID            string    `db:"id" json:"id"`
	Seq           int64     `db:"seq" json:"-"`
	GradeID       string    `db:"grade_id" json:"grade_id"`
	PreviousValue *float64  `db:"previous_value" json:"previous_value"`
	NewValue      float64   `db:"new_value" json:"new_value"`
	ChangedBy     *string   `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt     time.Time `db:"changed_at" json:"changed_at"`
}

// GradeFilter allows querying of grades.
type GradeFilter struct {
	EnrollmentID string
	CourseID     string
}

// ValidGradeValue reports whether v is inside [0, 100] and has at most two
// decimal places.
func ValidGradeValue(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if v < MinGradeValue || v > MaxGradeValue {
		return false
	}
	cents := v * 100
	return math.Abs(cents-math.Round(cents)) < 1e-6
}

// RoundGradeValue normalises v to two decimals, matching NUMERIC(5,2).
func RoundGradeValue(v float64) float64 {
	return math.Round(v*100) / 100
}
