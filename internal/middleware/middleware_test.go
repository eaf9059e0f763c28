package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-ledger-api/internal/models"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type staticValidator struct {
	claims *models.JWTClaims
}

func (v staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return v.claims, nil
}

type recorder struct {
	logs []*models.AuditLog
	err  error
}

func (r *recorder) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return r.err
}

func newEngine(role models.UserRole, handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append([]gin.HandlerFunc{JWT(staticValidator{claims: &models.JWTClaims{UserID: "user-1", Role: role}})}, handlers...)
	chain = append(chain, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/things/:id", chain...)
	return r
}

func serve(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/things/t-1", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTRejectsMissingAndMalformedHeaders(t *testing.T) {
	r := newEngine(models.RoleProfessor)

	assert.Equal(t, http.StatusUnauthorized, serve(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Token good").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Bearer bad").Code)
	assert.Equal(t, http.StatusOK, serve(r, "bearer good").Code)
}

func TestRBACChecksRole(t *testing.T) {
	allowed := newEngine(models.RoleProfessor, RequireRoles(models.RoleProfessor))
	assert.Equal(t, http.StatusOK, serve(allowed, "Bearer good").Code)

	denied := newEngine(models.RoleAdmin, RequireRoles(models.RoleProfessor))
	assert.Equal(t, http.StatusForbidden, serve(denied, "Bearer good").Code)

	staff := newEngine(models.RoleAdmin, Staff())
	assert.Equal(t, http.StatusOK, serve(staff, "Bearer good").Code)
}

func TestRBACWithoutJWTIsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/things/:id", Staff(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, "").Code)
}

func TestAuditRecordsSuccessfulRequests(t *testing.T) {
	rec := &recorder{}
	r := newEngine(models.RoleProfessor, Audit(rec, nil, models.AuditActionEnroll, "enrollment"))

	require.Equal(t, http.StatusOK, serve(r, "Bearer good").Code)
	require.Len(t, rec.logs, 1)
	log := rec.logs[0]
	assert.Equal(t, models.AuditActionEnroll, log.Action)
	require.NotNil(t, log.UserID)
	assert.Equal(t, "user-1", *log.UserID)
	require.NotNil(t, log.ResourceID)
	assert.Equal(t, "t-1", *log.ResourceID)
}

func TestAuditSkipsFailuresAndToleratesStoreErrors(t *testing.T) {
	rec := &recorder{err: errors.New("db down")}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/things/:id", Audit(rec, nil, "X", "thing"), func(c *gin.Context) { c.Status(http.StatusConflict) })
	assert.Equal(t, http.StatusConflict, serve(r, "").Code)
	assert.Empty(t, rec.logs)

	ok := newEngine(models.RoleProfessor, Audit(rec, nil, "X", "thing"))
	assert.Equal(t, http.StatusOK, serve(ok, "Bearer good").Code)
	assert.Len(t, rec.logs, 1)
}
