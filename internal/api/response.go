package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/runstore"
	"github.com/canectors/dataflow/internal/runtime"
)

// Error codes returned in APIError.Code.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeConflict        = "CONFLICT"
	CodeNotRevertible   = "NOT_REVERTIBLE"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeInvalidPipeline = errhandling.CodeConfigInvalid
)

// APIError is the body of every error response.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RespondWithError writes an APIError and aborts the handler chain.
func RespondWithError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, APIError{Code: code, Message: message, Details: details})
}

// respondWithEngineError maps engine and registry errors to HTTP statuses.
func respondWithEngineError(c *gin.Context, err error) {
	var cfgErr *errhandling.ConfigurationError
	switch {
	case errors.Is(err, runstore.ErrNotFound), errors.Is(err, runtime.ErrPipelineNotFound):
		RespondWithError(c, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, runtime.ErrNotRollbackable):
		RespondWithError(c, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, output.ErrNotRevertible):
		RespondWithError(c, http.StatusUnprocessableEntity, CodeNotRevertible, err.Error(), nil)
	case errors.As(err, &cfgErr):
		var details map[string]interface{}
		if cfgErr.Field != "" {
			details = map[string]interface{}{"field": cfgErr.Field}
		}
		RespondWithError(c, http.StatusBadRequest, CodeInvalidPipeline, err.Error(), details)
	default:
		RespondWithError(c, http.StatusInternalServerError, CodeInternalError, err.Error(), nil)
	}
}
