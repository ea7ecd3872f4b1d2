package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentcom/hub/pkg/logger"
)

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func unauthorized(c *gin.Context, code string) {
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"code": code}})
}

func notFound(c *gin.Context, code string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": code}})
}

func unprocessable(c *gin.Context, code string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": gin.H{"code": code}})
}

func rateLimited(c *gin.Context, retryAfterMS int64) {
	c.Header("Retry-After", retryAfterSeconds(retryAfterMS))
	c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": gin.H{"code": "rate_limited", "retry_after_ms": retryAfterMS}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("httpapi: internal error", logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error"}})
}

func retryAfterSeconds(ms int64) string {
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
