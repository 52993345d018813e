package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	achievementdomain "github.com/smallbiznis/careledger/internal/achievement/domain"
	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/chain"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/careledger/internal/payment/domain"
	"github.com/smallbiznis/careledger/internal/receipt"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"gorm.io/gorm"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
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

// classifyErrorForLog returns the error type and code written on request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if payload.Type == "ledger_unavailable" || payload.Type == "ledger_rejected" {
		code = string(chain.KindOf(err))
	}
	return payload.Type, code
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

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(err, code),
				},
			},
		}
	}

	var chainErr *chain.Error
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, scheduler.ErrTaskRunning),
		errors.Is(err, donationdomain.ErrNotLinked),
		errors.Is(err, receipt.ErrNotConfirmed):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.As(err, &chainErr) && chain.Retryable(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "ledger_unavailable",
			Message: "ledger unavailable",
		}
	case errors.As(err, &chainErr):
		return http.StatusBadGateway, errorPayload{
			Type:    "ledger_rejected",
			Message: "ledger rejected the request",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrTaskRunning):
		return "task is already running"
	case errors.Is(err, donationdomain.ErrNotLinked):
		return "donation is not on the ledger yet"
	case errors.Is(err, receipt.ErrNotConfirmed):
		return "donation is not confirmed yet"
	default:
		return "conflict"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, donationdomain.ErrInvalidDonation),
		errors.Is(err, donationdomain.ErrInvalidID),
		errors.Is(err, auctiondomain.ErrInvalidID),
		errors.Is(err, auctiondomain.ErrInvalidAuction),
		errors.Is(err, auctiondomain.ErrInvalidSchedule),
		errors.Is(err, donordomain.ErrInvalidID),
		errors.Is(err, donordomain.ErrInvalidAddress),
		errors.Is(err, patientdomain.ErrInvalidID),
		errors.Is(err, patientdomain.ErrInvalidAge),
		errors.Is(err, patientdomain.ErrInvalidGoal),
		errors.Is(err, patientdomain.ErrInvalidDiagnosis),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidDonor):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, donationdomain.ErrNotFound),
		errors.Is(err, auctiondomain.ErrNotFound),
		errors.Is(err, donordomain.ErrNotFound),
		errors.Is(err, patientdomain.ErrNotFound),
		errors.Is(err, achievementdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

var validationSentinels = []error{
	ErrInvalidRequest,
	donationdomain.ErrInvalidDonation,
	donationdomain.ErrInvalidID,
	auctiondomain.ErrInvalidID,
	auctiondomain.ErrInvalidAuction,
	auctiondomain.ErrInvalidSchedule,
	donordomain.ErrInvalidID,
	donordomain.ErrInvalidAddress,
	patientdomain.ErrInvalidID,
	patientdomain.ErrInvalidAge,
	patientdomain.ErrInvalidGoal,
	patientdomain.ErrInvalidDiagnosis,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	paymentdomain.ErrInvalidDonor,
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "invalid_donation", "invalid_auction", "invalid_auction_schedule", "invalid_event":
		return ""
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// validationErrorMessage keeps the detail a service wrapped around its
// sentinel, e.g. "invalid_donation: amount must be positive".
func validationErrorMessage(err error, code string) string {
	if code == "invalid_request" {
		return "invalid request"
	}
	if _, detail, ok := strings.Cut(err.Error(), ": "); ok && detail != "" {
		return detail
	}
	return "invalid value"
}
