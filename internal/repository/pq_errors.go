package repository

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation  = "23505"
	pqInvalidText      = "22P02"
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

// Constraint names declared by the migrations.
const (
	ConstraintEnrollmentUnique = "enrollments_student_course_key"
	ConstraintGradeEnrollment  = "grades_enrollment_id_key"
	ConstraintCourseCode       = "courses_code_key"
	ConstraintStudentEmail     = "students_email_key"
	ConstraintStudentNumber    = "students_student_number_key"
)

// IsUniqueViolation reports whether err is a unique violation, optionally
// restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsLockTimeout reports whether err was raised because a row lock could not
// be acquired within lock_timeout.
func IsLockTimeout(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqLockNotAvailable || pqErr.Code == pqQueryCanceled
}

// IsInvalidInput reports whether the store rejected a parameter it could not
// parse, such as an identifier that is not a UUID.
func IsInvalidInput(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqInvalidText
}
