package models

import "time"

// Enrollment links one student to one course.
type Enrollment struct {
	ID         string    `db:"id" json:"id"`
	StudentID  string    `db:"student_id" json:"student_id"`
	CourseID   string    `db:"course_id" json:"course_id"`
	EnrolledAt time.Time `db:"enrolled_at" json:"enrolled_at"`
}

// EnrollmentDetail enriches Enrollment with student, course and grade info.
type EnrollmentDetail struct {
	Enrollment
	StudentName   string   `db:"student_name" json:"student_name"`
	StudentNumber string   `db:"student_number" json:"student_number"`
	CourseCode    string   `db:"course_code" json:"course_code"`
	CourseName    string   `db:"course_name" json:"course_name"`
	GradeID       *string  `db:"grade_id" json:"grade_id,omitempty"`
	GradeValue    *float64 `db:"grade_value" json:"grade_value,omitempty"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
