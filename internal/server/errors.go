package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/plansync"
	"github.com/smallbiznis/speechgate/internal/session"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if field, code, ok := validationField(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   field,
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many sync requests, try again later",
		}
	case isUnavailableError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: entitlement.ReasonUnavailable,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// validationField names the request field a domain validation error refers
// to, and the sentinel code reported for it.
func validationField(err error) (string, string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "request", ErrInvalidRequest.Error(), true
	case errors.Is(err, subscriptiondomain.ErrInvalidUserID):
		return "user_id", subscriptiondomain.ErrInvalidUserID.Error(), true
	case errors.Is(err, ledgerdomain.ErrInvalidLimitKind):
		return "limit_kind", ledgerdomain.ErrInvalidLimitKind.Error(), true
	case errors.Is(err, ledgerdomain.ErrUnsupportedLimitKind):
		return "limit_kind", ledgerdomain.ErrUnsupportedLimitKind.Error(), true
	case errors.Is(err, plansync.ErrInvalidTrigger):
		return "trigger", plansync.ErrInvalidTrigger.Error(), true
	default:
		return "", "", false
	}
}

func isUnavailableError(err error) bool {
	switch {
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, entitlement.ErrDecisionUnavailable),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionUnavailable),
		errors.Is(err, ledgerdomain.ErrLedgerUnavailable),
		errors.Is(err, ledgerdomain.ErrLedgerRejected),
		errors.Is(err, ledgerdomain.ErrMalformedDecision):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds error_type and error_code into request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError && payload.Type == "internal_error" {
		return payload.Type, "unexpected"
	}
	return payload.Type, err.Error()
}
