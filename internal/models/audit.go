package models

import "time"

// AuditAction constants represent request-level actions to be logged.
const (
	AuditActionLogin         = "LOGIN"
	AuditActionCourseCreate  = "COURSE_CREATE"
	AuditActionCourseUpdate  = "COURSE_UPDATE"
	AuditActionCourseDelete  = "COURSE_DELETE"
	AuditActionStudentCreate = "STUDENT_CREATE"
	AuditActionStudentUpdate = "STUDENT_UPDATE"
	AuditActionStudentDelete = "STUDENT_DELETE"
	AuditActionEnroll        = "ENROLL"
	AuditActionGradeWrite    = "GRADE_WRITE"
)

// AuditLog represents a request audit record. Grade history is kept
// separately in GradeAudit.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
