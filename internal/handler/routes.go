package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/middleware"
	"github.com/noah-isme/course-ledger-api/internal/models"
)

// Handlers groups the HTTP handlers mounted under the API prefix.
type Handlers struct {
	Auth        *AuthHandler
	Courses     *CourseHandler
	Students    *StudentHandler
	Enrollments *EnrollmentHandler
	Grades      *GradeHandler
}

// RouteOptions carries the cross-cutting collaborators of the API routes.
type RouteOptions struct {
	Prefix string
	Tokens middleware.TokenValidator
	Audit  middleware.AuditRecorder
	Logger *zap.Logger
}

// Register mounts the API routes. Every route except login sits behind JWT,
// and role checks run before any handler so a rejected call never reaches a
// service.
func Register(r *gin.Engine, h Handlers, opts RouteOptions) {
	api := r.Group(opts.Prefix)

	audit := func(action, resource string) gin.HandlerFunc {
		return middleware.Audit(opts.Audit, opts.Logger, action, resource)
	}
	staff := middleware.Staff()
	professor := middleware.RequireRoles(models.RoleProfessor)

	api.POST("/auth/login", h.Auth.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(opts.Tokens))
	secured.GET("/auth/me", h.Auth.Me)

	courses := secured.Group("/courses")
	courses.GET("", h.Courses.List)
	courses.GET("/:id", h.Courses.Get)
	courses.POST("", staff, audit(models.AuditActionCourseCreate, "course"), h.Courses.Create)
	courses.PUT("/:id", staff, audit(models.AuditActionCourseUpdate, "course"), h.Courses.Update)
	courses.DELETE("/:id", staff, audit(models.AuditActionCourseDelete, "course"), h.Courses.Delete)

	students := secured.Group("/students", staff)
	students.GET("", h.Students.List)
	students.GET("/:id", h.Students.Get)
	students.POST("", audit(models.AuditActionStudentCreate, "student"), h.Students.Create)
	students.PUT("/:id", audit(models.AuditActionStudentUpdate, "student"), h.Students.Update)
	students.DELETE("/:id", audit(models.AuditActionStudentDelete, "student"), h.Students.Delete)

	enrollments := secured.Group("/enrollments")
	enrollments.GET("", staff, h.Enrollments.List)
	enrollments.GET("/:id", staff, h.Enrollments.Get)
	enrollments.POST("", professor, audit(models.AuditActionEnroll, "enrollment"), h.Enrollments.Enroll)

	grades := secured.Group("/grades")
	grades.GET("", staff, h.Grades.List)
	grades.GET("/:id", staff, h.Grades.Get)
	grades.GET("/:id/audits", staff, h.Grades.Audits)
	grades.GET("/:id/audits/export", staff, h.Grades.ExportAudits)
	grades.POST("", professor, audit(models.AuditActionGradeWrite, "grade"), h.Grades.Create)
	grades.POST("/submit", professor, audit(models.AuditActionGradeWrite, "grade"), h.Grades.Submit)
	grades.PUT("/:id", professor, audit(models.AuditActionGradeWrite, "grade"), h.Grades.Update)
}
