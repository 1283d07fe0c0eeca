package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/23skdu/longbow-mesh/internal/cluster"
	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/planner"
	"github.com/23skdu/longbow-mesh/internal/worker"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, cluster.ErrUnknownQuery), errors.Is(err, config.ErrMissingFile):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrModelNotActive), errors.Is(err, worker.ErrModelNotLoaded):
		return http.StatusConflict
	case errors.Is(err, planner.ErrInsufficientCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, cluster.ErrWorkerUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, cluster.ErrLoadTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, errorBody{Error: err.Error()})
}

// bind decodes the JSON body into v, answering 400 on failure.
func bind(c *gin.Context, operation string, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		metrics.RecordValidationError(operation, "malformed_json")
		abort(c, http.StatusBadRequest, fmt.Errorf("malformed %s request: %w", operation, err))
		return false
	}
	return true
}

func invalid(c *gin.Context, operation string, err error) {
	metrics.RecordValidationError(operation, "invalid")
	abort(c, http.StatusBadRequest, err)
}
