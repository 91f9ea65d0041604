package response

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIResponse is the standard success response shape.
type APIResponse struct {
	Data    any    `json:"data"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path"`
}

// APIError is the standard error response shape. Code carries the error
// taxonomy value (VALIDATION, BACKEND_UNAVAILABLE, INTERNAL).
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Path    string `json:"path"`
	Status  int    `json:"status"`
}

// Error codes surfaced to clients.
const (
	CodeValidation  = "VALIDATION"
	CodeUnavailable = "BACKEND_UNAVAILABLE"
	CodeInternal    = "INTERNAL"
	CodeNotFound    = "NOT_FOUND"
)

func pathFromContext(c echo.Context) string {
	if c == nil || c.Request() == nil {
		return ""
	}
	return c.Request().URL.Path
}

// OK sends a 200 response with data.
func OK(c echo.Context, data any, message string) error {
	return c.JSON(http.StatusOK, APIResponse{
		Data:    data,
		Status:  http.StatusOK,
		Message: message,
		Path:    pathFromContext(c),
	})
}

// Accepted sends a 202 response; the ingest path uses it to acknowledge a
// queued record before it is persisted.
func Accepted(c echo.Context, data any, message string) error {
	return c.JSON(http.StatusAccepted, APIResponse{
		Data:    data,
		Status:  http.StatusAccepted,
		Message: message,
		Path:    pathFromContext(c),
	})
}

// Error sends a JSON error response using APIError.
func Error(c echo.Context, status int, code, message, errDetail string) error {
	return c.JSON(status, APIError{
		Code:    code,
		Message: message,
		Error:   errDetail,
		Path:    pathFromContext(c),
		Status:  status,
	})
}

// BadRequest sends 400 with the VALIDATION code.
func BadRequest(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusBadRequest, CodeValidation, message, errDetail)
}

// NotFound sends 404.
func NotFound(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusNotFound, CodeNotFound, message, errDetail)
}

// Unavailable sends 503 with the BACKEND_UNAVAILABLE code.
func Unavailable(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusServiceUnavailable, CodeUnavailable, message, errDetail)
}

// InternalError sends 500.
func InternalError(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusInternalServerError, CodeInternal, message, errDetail)
}
