package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-ledger-api/internal/models"
)

type txProviderMock struct {
	db   *sqlx.DB
	mock sqlmock.Sqlmock
}

func newTxProviderMock(t *testing.T) (txProvider, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return &txProviderMock{db: sqlxdb, mock: mock}, mock
}

func (t *txProviderMock) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return t.db.BeginTxx(ctx, opts)
}

// memoryStore backs the repository fakes. It ignores the transaction handle;
// transaction boundaries are asserted through sqlmock.
type memoryStore struct {
	mu          sync.Mutex
	courses     map[string]*models.Course
	students    map[string]*models.Student
	enrollments []*models.Enrollment
	grades      map[string]*models.Grade
	audits      []models.GradeAudit
	seq         int64
	ids         int

	lockErr        error
	courseWriteErr error
	createEnrollFn func(*models.Enrollment) error
	createGradeErr error
	appendErr      error

	// enrollmentLockFn runs while a grade writer is waiting on the
	// enrollment row lock.
	enrollmentLockFn  func(enrollmentID string)
	enrollmentLockErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		courses:  map[string]*models.Course{},
		students: map[string]*models.Student{},
		grades:   map[string]*models.Grade{},
	}
}

func (m *memoryStore) nextID(prefix string) string {
	m.ids++
	return fmt.Sprintf("%s-%d", prefix, m.ids)
}

func (m *memoryStore) addCourse(id string, capacity int) {
	m.courses[id] = &models.Course{ID: id, Code: "C-" + id, Name: "Course " + id, Capacity: capacity}
}

func (m *memoryStore) addStudent(id string) {
	m.students[id] = &models.Student{ID: id, Name: "Student " + id, Email: id + "@uni.test", StudentNumber: "N-" + id}
}

func (m *memoryStore) addEnrollment(id, studentID, courseID string) {
	m.enrollments = append(m.enrollments, &models.Enrollment{ID: id, StudentID: studentID, CourseID: courseID, EnrolledAt: time.Now()})
}

func (m *memoryStore) countCourse(courseID string) int {
	n := 0
	for _, e := range m.enrollments {
		if e.CourseID == courseID {
			n++
		}
	}
	return n
}

type courseStore struct{ *memoryStore }

func (s courseStore) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CourseSummary
	for _, c := range s.courses {
		out = append(out, models.CourseSummary{Course: *c, EnrolledCount: s.countCourse(c.ID)})
	}
	return out, len(out), nil
}

func (s courseStore) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s courseStore) LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Course, error) {
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	return s.FindByID(ctx, tx, id)
}

func (s courseStore) ExistsByCode(ctx context.Context, code, excludeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.courses {
		if c.Code == code && c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (s courseStore) Create(ctx context.Context, course *models.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	course.ID = s.nextID("course")
	cp := *course
	s.courses[course.ID] = &cp
	return nil
}

func (s courseStore) Update(ctx context.Context, exec sqlx.ExtContext, course *models.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.courseWriteErr != nil {
		return s.courseWriteErr
	}
	cp := *course
	s.courses[course.ID] = &cp
	return nil
}

func (s courseStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.courses[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.courses, id)
	return nil
}

type studentStore struct{ *memoryStore }

func (s studentStore) Exists(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.students[id]
	return ok, nil
}

type enrollmentStore struct{ *memoryStore }

func (s enrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EnrollmentDetail
	for _, e := range s.enrollments {
		if filter.CourseID != "" && e.CourseID != filter.CourseID {
			continue
		}
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		out = append(out, s.detail(e))
	}
	return out, len(out), nil
}

func (s enrollmentStore) detail(e *models.Enrollment) models.EnrollmentDetail {
	d := models.EnrollmentDetail{Enrollment: *e}
	if st, ok := s.students[e.StudentID]; ok {
		d.StudentName = st.Name
		d.StudentNumber = st.StudentNumber
	}
	if c, ok := s.courses[e.CourseID]; ok {
		d.CourseCode = c.Code
		d.CourseName = c.Name
	}
	for _, g := range s.grades {
		if g.EnrollmentID == e.ID {
			id, value := g.ID, g.Value
			d.GradeID = &id
			d.GradeValue = &value
		}
	}
	return d
}

func (s enrollmentStore) LockByID(ctx context.Context, tx sqlx.ExtContext, id string) (*models.Enrollment, error) {
	if fn := s.enrollmentLockFn; fn != nil {
		s.enrollmentLockFn = nil
		fn(id)
	}
	if s.enrollmentLockErr != nil {
		return nil, s.enrollmentLockErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s enrollmentStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.ID == id {
			d := s.detail(e)
			return &d, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s enrollmentStore) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	out, _, err := s.List(ctx, models.EnrollmentFilter{CourseID: courseID})
	return out, err
}

func (s enrollmentStore) CountByCourse(ctx context.Context, exec sqlx.ExtContext, courseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countCourse(courseID), nil
}

func (s enrollmentStore) Exists(ctx context.Context, exec sqlx.ExtContext, studentID, courseID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.CourseID == courseID {
			return true, nil
		}
	}
	return false, nil
}

func (s enrollmentStore) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createEnrollFn != nil {
		if err := s.createEnrollFn(enrollment); err != nil {
			return err
		}
	}
	enrollment.ID = s.nextID("enr")
	cp := *enrollment
	s.enrollments = append(s.enrollments, &cp)
	return nil
}

type gradeStore struct{ *memoryStore }

func (s gradeStore) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grades[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (s gradeStore) FindByEnrollmentForUpdate(ctx context.Context, tx sqlx.ExtContext, enrollmentID string) (*models.Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grades {
		if g.EnrollmentID == enrollmentID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (s gradeStore) Create(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createGradeErr != nil {
		return s.createGradeErr
	}
	grade.ID = s.nextID("grade")
	grade.CreatedAt = time.Now().UTC()
	grade.UpdatedAt = grade.CreatedAt
	cp := *grade
	s.grades[grade.ID] = &cp
	return nil
}

func (s gradeStore) Update(ctx context.Context, exec sqlx.ExtContext, grade *models.Grade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grade.UpdatedAt = time.Now().UTC()
	cp := *grade
	s.grades[grade.ID] = &cp
	return nil
}

func (s gradeStore) List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Grade
	for _, g := range s.grades {
		if filter.EnrollmentID == "" || g.EnrollmentID == filter.EnrollmentID {
			out = append(out, *g)
		}
	}
	return out, nil
}

type auditStore struct{ *memoryStore }

func (s auditStore) Append(ctx context.Context, tx sqlx.ExtContext, audit *models.GradeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.seq++
	audit.ID = s.nextID("audit")
	audit.Seq = s.seq
	s.audits = append(s.audits, *audit)
	return nil
}

func (s auditStore) ListByGrade(ctx context.Context, gradeID string) ([]models.GradeAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GradeAudit
	for _, a := range s.audits {
		if a.GradeID == gradeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.After(out[j].ChangedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

var (
	_ courseRepository     = courseStore{}
	_ studentChecker       = studentStore{}
	_ enrollmentRepository = enrollmentStore{}
	_ enrollmentLocker     = enrollmentStore{}
	_ courseRosterReader   = enrollmentStore{}
	_ gradeRepository      = gradeStore{}
	_ gradeAuditRepository = auditStore{}
)

func professor() models.Principal {
	return models.Principal{UserID: "prof-1", Role: models.RoleProfessor}
}

func counterValue(t *testing.T, metrics *MetricsService, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
