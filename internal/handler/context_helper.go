package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/course-ledger-api/internal/middleware"
	"github.com/noah-isme/course-ledger-api/internal/models"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
	"github.com/noah-isme/course-ledger-api/pkg/response"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	claims, ok := middleware.Claims(c)
	if !ok {
		return nil
	}
	return claims
}

// principalFromContext returns the acting principal, empty when the request
// carries no verified token.
func principalFromContext(c *gin.Context) models.Principal {
	return claimsFromContext(c).Principal()
}

func pageParams(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		size = 20
	}
	return page, size
}

// pathID returns the :id parameter. A value that is not a UUID can never name
// a stored row, so it is answered with notFound and ok is false.
func pathID(c *gin.Context, notFound *appErrors.Error) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		response.Error(c, appErrors.Clone(notFound, ""))
		return "", false
	}
	return id, true
}
