package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/service"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

const (
	courseID     = "0f5c2d7e-3b8a-4c1e-9d2f-6a7b8c9d0e11"
	studentID    = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
	enrollmentID = "2b3c4d5e-6f7a-4b8c-9d0e-1f2a3b4c5d6e"
	gradeID      = "3c4d5e6f-7a8b-4c9d-8e1f-2a3b4c5d6e7f"

	enrollBody = `{"student_id":"` + studentID + `","course_id":"` + courseID + `"}`
)

// callLog records which service methods were reached.
type callLog struct {
	calls []string
}

func (l *callLog) hit(name string) { l.calls = append(l.calls, name) }

type authServiceMock struct{ *callLog }

func (m authServiceMock) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	m.hit("auth.Login")
	if req.Password != "password123" {
		return nil, appErrors.ErrInvalidCredentials
	}
	return &models.LoginResponse{AccessToken: "token", ExpiresIn: 3600}, nil
}

func (m authServiceMock) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	m.hit("auth.Me")
	return &models.UserInfo{ID: userID}, nil
}

type courseServiceMock struct{ *callLog }

func (m courseServiceMock) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseSummary, *models.Pagination, error) {
	m.hit("courses.List")
	return []models.CourseSummary{}, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (m courseServiceMock) Detail(ctx context.Context, id string) (*models.CourseDetail, error) {
	m.hit("courses.Detail")
	return &models.CourseDetail{CourseSummary: models.CourseSummary{Course: models.Course{ID: id}}}, nil
}

func (m courseServiceMock) Create(ctx context.Context, req service.CourseRequest) (*models.Course, error) {
	m.hit("courses.Create")
	return &models.Course{ID: "course-1", Code: req.Code}, nil
}

func (m courseServiceMock) Update(ctx context.Context, id string, req service.CourseRequest) (*models.Course, error) {
	m.hit("courses.Update")
	return &models.Course{ID: id}, nil
}

func (m courseServiceMock) Delete(ctx context.Context, id string) error {
	m.hit("courses.Delete")
	return nil
}

type studentServiceMock struct{ *callLog }

func (m studentServiceMock) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	m.hit("students.List")
	return []models.Student{}, &models.Pagination{}, nil
}

func (m studentServiceMock) Get(ctx context.Context, id string) (*models.Student, error) {
	m.hit("students.Get")
	return &models.Student{ID: id}, nil
}

func (m studentServiceMock) Create(ctx context.Context, req service.StudentRequest) (*models.Student, error) {
	m.hit("students.Create")
	return &models.Student{ID: "stu-1"}, nil
}

func (m studentServiceMock) Update(ctx context.Context, id string, req service.StudentRequest) (*models.Student, error) {
	m.hit("students.Update")
	return &models.Student{ID: id}, nil
}

func (m studentServiceMock) Delete(ctx context.Context, id string) error {
	m.hit("students.Delete")
	return nil
}

type enrollmentServiceMock struct {
	*callLog
	enrollErr error
	actor     models.Principal
}

func (m *enrollmentServiceMock) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	m.hit("enrollments.List")
	return []models.EnrollmentDetail{}, &models.Pagination{}, nil
}

func (m *enrollmentServiceMock) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	m.hit("enrollments.Get")
	return &models.EnrollmentDetail{Enrollment: models.Enrollment{ID: id}}, nil
}

func (m *enrollmentServiceMock) Enroll(ctx context.Context, req service.EnrollRequest, actor models.Principal) (*models.Enrollment, error) {
	m.hit("enrollments.Enroll")
	m.actor = actor
	if m.enrollErr != nil {
		return nil, m.enrollErr
	}
	return &models.Enrollment{ID: "enr-1", StudentID: req.StudentID, CourseID: req.CourseID}, nil
}

type gradeServiceMock struct {
	*callLog
	writeErr  error
	lastValue float64
}

func (m *gradeServiceMock) List(ctx context.Context, filter models.GradeFilter) ([]models.Grade, error) {
	m.hit("grades.List")
	return []models.Grade{}, nil
}

func (m *gradeServiceMock) Get(ctx context.Context, id string) (*models.Grade, error) {
	m.hit("grades.Get")
	return &models.Grade{ID: id}, nil
}

func (m *gradeServiceMock) write(name, enrollmentID string, value float64) (*models.Grade, error) {
	m.hit(name)
	m.lastValue = value
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	return &models.Grade{ID: "grade-1", EnrollmentID: enrollmentID, Value: value}, nil
}

func (m *gradeServiceMock) Create(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error) {
	return m.write("grades.Create", enrollmentID, value)
}

func (m *gradeServiceMock) Update(ctx context.Context, gradeID string, value float64, actor models.Principal) (*models.Grade, error) {
	return m.write("grades.Update", "enr-1", value)
}

func (m *gradeServiceMock) SubmitOrUpdate(ctx context.Context, enrollmentID string, value float64, actor models.Principal) (*models.Grade, error) {
	return m.write("grades.SubmitOrUpdate", enrollmentID, value)
}

func (m *gradeServiceMock) ListAudits(ctx context.Context, gradeID string) ([]models.GradeAudit, error) {
	m.hit("grades.ListAudits")
	return []models.GradeAudit{}, nil
}

type exporterMock struct{ *callLog }

func (m exporterMock) AuditTrail(ctx context.Context, gradeID string, format service.ExportFormat) (*service.ExportFile, error) {
	m.hit("export.AuditTrail")
	if format != service.ExportFormatCSV && format != service.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
	return &service.ExportFile{Filename: "grade.csv", ContentType: "text/csv", Data: []byte("changed_at\n")}, nil
}

// tokenTable resolves fixed bearer tokens to claims.
type tokenTable map[string]*models.JWTClaims

func (t tokenTable) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := t[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

type auditRecorderMock struct {
	logs []*models.AuditLog
}

func (m *auditRecorderMock) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type routerFixture struct {
	router      *gin.Engine
	log         *callLog
	enrollments *enrollmentServiceMock
	grades      *gradeServiceMock
	audit       *auditRecorderMock
}

func buildRouter(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := &callLog{}
	f := &routerFixture{
		router:      gin.New(),
		log:         log,
		enrollments: &enrollmentServiceMock{callLog: log},
		grades:      &gradeServiceMock{callLog: log},
		audit:       &auditRecorderMock{},
	}
	Register(f.router, Handlers{
		Auth:        NewAuthHandler(authServiceMock{log}),
		Courses:     NewCourseHandler(courseServiceMock{log}),
		Students:    NewStudentHandler(studentServiceMock{log}),
		Enrollments: NewEnrollmentHandler(f.enrollments),
		Grades:      NewGradeHandler(f.grades, exporterMock{log}),
	}, RouteOptions{
		Prefix: "/api/v1",
		Tokens: tokenTable{
			"admin-token":     {UserID: "admin-1", Role: models.RoleAdmin},
			"professor-token": {UserID: "prof-1", Role: models.RoleProfessor},
		},
		Audit: f.audit,
	})
	return f
}

func performRequest(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
