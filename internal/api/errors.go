package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/proxy"
)

// KindUnavailable classifies proxy.TargetUnavailableError.
const KindUnavailable = "unavailable"

// noPortRetryAfter is sent with 503 answers: ports free up as projects stop.
const noPortRetryAfter = "10"

// APIError is the body of every failed request.
type APIError struct {
	Code       int                  `json:"code"`
	Success    bool                 `json:"success"`
	Message    string               `json:"message"`
	Details    string               `json:"details,omitempty"`
	Kind       string               `json:"kind,omitempty"`
	FieldError map[string]string    `json:"field_errors,omitempty"`
	Logs       []string             `json:"logs"`
	Result     *orchestrator.Result `json:"result,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates an API error without logs.
func NewAPIError(code int, message, details string) *APIError {
	return &APIError{Code: code, Message: message, Details: details, Logs: []string{}}
}

// BadRequestError reports a malformed request.
func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

// ValidationError reports request fields that failed validation.
func ValidationError(message string, fieldErrors map[string]string) *APIError {
	e := NewAPIError(http.StatusBadRequest, message, "")
	e.Kind = orchestrator.KindValidation
	e.FieldError = fieldErrors
	return e
}

// kindStatus maps error kinds to HTTP status codes.
var kindStatus = map[string]int{
	orchestrator.KindValidation:  http.StatusBadRequest,
	orchestrator.KindNotFound:    http.StatusNotFound,
	KindUnavailable:              http.StatusNotFound,
	orchestrator.KindConnection:  http.StatusBadGateway,
	orchestrator.KindUpload:      http.StatusInternalServerError,
	orchestrator.KindNoPort:      http.StatusServiceUnavailable,
	orchestrator.KindGeneration:  http.StatusUnprocessableEntity,
	orchestrator.KindStartFailed: http.StatusInternalServerError,
	orchestrator.KindTimeout:     http.StatusGatewayTimeout,
	orchestrator.KindCanceled:    http.StatusRequestTimeout,
	orchestrator.KindInternal:    http.StatusInternalServerError,
}

// ErrorKind classifies err, including proxy errors.
func ErrorKind(err error) string {
	var tue *proxy.TargetUnavailableError
	if errors.As(err, &tue) {
		return KindUnavailable
	}
	return orchestrator.Kind(err)
}

// OperationError turns an orchestrator failure into an APIError that keeps
// the operation's logs and partial result.
func OperationError(res orchestrator.Result, err error) *APIError {
	kind := ErrorKind(err)
	code, ok := kindStatus[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	logs := res.Logs
	if logs == nil {
		logs = []string{}
	}
	return &APIError{
		Code:    code,
		Message: err.Error(),
		Kind:    kind,
		Logs:    logs,
		Result:  &res,
	}
}

// HTTPErrorHandler is the echo error handler.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		apiErr *APIError
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &he):
		apiErr = NewAPIError(he.Code, getHTTPMessage(he.Code), fmt.Sprintf("%v", he.Message))
	default:
		apiErr = OperationError(orchestrator.Result{}, err)
		apiErr.Result = nil
	}

	if apiErr.Kind == orchestrator.KindInternal && !c.Echo().Debug {
		apiErr.Details = "An internal error occurred. Please try again later."
		apiErr.Message = getHTTPMessage(apiErr.Code)
		apiErr.Result = nil
	}
	if apiErr.Kind == orchestrator.KindNoPort {
		c.Response().Header().Set("Retry-After", noPortRetryAfter)
	}
	if apiErr.Logs == nil {
		apiErr.Logs = []string{}
	}

	var jsonErr error
	if c.Request().Method == http.MethodHead {
		jsonErr = c.NoContent(apiErr.Code)
	} else {
		jsonErr = c.JSON(apiErr.Code, apiErr)
	}
	if jsonErr != nil {
		c.Logger().Error(jsonErr)
	}
}

func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusRequestTimeout:      "Request cancelled",
		http.StatusUnprocessableEntity: "Unprocessable entity",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
		http.StatusGatewayTimeout:      "Gateway timeout",
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
