package models

import "time"

// MaxCourseCapacity is the schema-level ceiling on course capacity.
const MaxCourseCapacity = 400

// Course is an offering students enroll into, bounded by Capacity.
type Course struct {
	ID          string    `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Capacity    int       `db:"capacity" json:"capacity"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// CourseSummary adds the live enrollment count to a course.
type CourseSummary struct {
	Course
	EnrolledCount int `db:"enrolled_count" json:"enrolled_count"`
}

// SeatsLeft returns the remaining capacity, never negative.
func (c CourseSummary) SeatsLeft() int {
	if left := c.Capacity - c.EnrolledCount; left > 0 {
		return left
	}
	return 0
}

// CourseFilter encapsulates allowed search parameters for listing courses.
type CourseFilter struct {
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// CourseDetail is the course page: the roster with current grades plus the
// students who can still be enrolled.
type CourseDetail struct {
	CourseSummary
	Enrollments       []EnrollmentDetail `json:"enrollments"`
	AvailableStudents []Student          `json:"available_students"`
}
