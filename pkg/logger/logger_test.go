package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
	"github.com/noah-isme/course-ledger-api/pkg/middleware/requestid"
	"github.com/noah-isme/course-ledger-api/pkg/response"
)

func TestGinMiddlewareRecordsActorAndErrorCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(requestid.Middleware())
	r.Use(GinMiddleware(zap.New(core)))
	r.POST("/enrollments", func(c *gin.Context) {
		SetActor(c, "prof-1", "PROFESSOR")
		response.Error(c, appErrors.Clone(appErrors.ErrCourseFull, ""))
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/enrollments", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	rejected := entries[0]
	assert.Equal(t, zapcore.WarnLevel, rejected.Level)
	fields := rejected.ContextMap()
	assert.Equal(t, "prof-1", fields["actor"])
	assert.Equal(t, "PROFESSOR", fields["role"])
	assert.Equal(t, appErrors.ErrCourseFull.Code, fields["error_code"])
	assert.Equal(t, "/enrollments", fields["route"])
	assert.NotEmpty(t, fields["request_id"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "actor")
}
