package web

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/storage"
)

// ErrorResponse is the JSON envelope for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// renderError writes the error envelope and aborts the request.
func renderError(c *gin.Context, status int, slug, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   slug,
		Code:    status,
		Message: message,
	})
}

// respondError maps service errors to HTTP responses. Handlers that need a
// contextual message (undeclared fields, missing field data) translate those
// errors before falling through to this mapping.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrChannelNotFound):
		renderError(c, http.StatusNotFound, "not_found", "Channel not found")
	case errors.Is(err, storage.ErrChannelExists):
		renderError(c, http.StatusBadRequest, "bad_request", "Channel already exists")
	case errors.Is(err, storage.ErrNoData):
		renderError(c, http.StatusNotFound, "not_found", "No data found for this channel.")
	case errors.Is(err, channel.ErrInvalidAPIKey):
		renderError(c, http.StatusUnauthorized, "unauthorized", "Invalid API key")
	case errors.Is(err, channel.ErrNoValidFields):
		renderError(c, http.StatusBadRequest, "bad_request", "No valid channel fields provided in data.")
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Error("Request failed")
		renderError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// ErrorHandler converts errors attached to the gin context into the
// standard envelope when no handler has written a response yet.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last()
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Request error")

		renderError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// RecoveryHandler turns panics into 500 responses instead of dropping the
// connection.
func RecoveryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"error":  fmt.Sprintf("%v", r),
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
					"stack":  string(debug.Stack()),
				}).Error("Panic recovered in HTTP handler")

				renderError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()

		c.Next()
	}
}

// LoggingMiddleware logs each request with method, path, status and duration.
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"ip":     c.ClientIP(),
		}).Debug("Request started")

		c.Next()

		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"size":     c.Writer.Size(),
			"duration": time.Since(start).String(),
		}).Info("Request completed")
	}
}
