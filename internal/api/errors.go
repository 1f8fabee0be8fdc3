// ABOUTME: JSON responses and the {"message","errors"} error envelope for the HTTP API
// ABOUTME: Maps apperr codes and validator failures to HTTP statuses

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/session"
)

// ErrorResponse is the body of every non-2xx API response.
// Errors is a field map for validation failures and a string otherwise.
type ErrorResponse struct {
	Message string `json:"message"`
	Errors  any    `json:"errors"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct validation and converts failures to an
// INVALID_ARGUMENT apperr with per-field messages.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal("failed to validate request", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = formatFieldError(fe)
	}
	return apperr.Validation("Validation failed.", fields)
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("Ensure this field has at least %s elements.", fe.Param())
		}
		return fmt.Sprintf("Ensure this field has at least %s characters.", fe.Param())
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	default:
		return "This field is invalid."
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an application error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// envelope builds the error body for err. Internal causes never reach the client.
func envelope(err error) (int, ErrorResponse) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorResponse{Message: "Internal server error.", Errors: "internal error"}
	}

	status := statusFor(appErr.Code)
	switch appErr.Code {
	case apperr.CodeInvalidArgument:
		if len(appErr.Fields) > 0 {
			return status, ErrorResponse{Message: "Validation failed.", Errors: appErr.Fields}
		}
		return status, ErrorResponse{Message: "Malformed request.", Errors: appErr.Message}
	case apperr.CodeNotFound:
		return status, ErrorResponse{Message: "Resource not found.", Errors: appErr.Message}
	case apperr.CodePermissionDenied:
		return status, ErrorResponse{Message: "You do not have permission to perform this action.", Errors: appErr.Message}
	case apperr.CodeUnauthenticated:
		return status, ErrorResponse{Message: "Authentication failed.", Errors: appErr.Message}
	default:
		return status, ErrorResponse{Message: "Internal server error.", Errors: "internal error"}
	}
}

// writeError sends the error envelope and logs anything that is not the
// caller's fault.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, body := envelope(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	writeJSON(w, status, body)
}

// RejectUpgrade answers a refused WebSocket upgrade with the error envelope.
// Non-participants get 403 whether or not the conversation exists.
func RejectUpgrade(logger *slog.Logger) session.RejectFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := session.StatusFor(err)
		body := ErrorResponse{Message: "Authentication failed.", Errors: "authentication required"}
		switch status {
		case http.StatusForbidden:
			body = ErrorResponse{
				Message: "You do not have permission to perform this action.",
				Errors:  "not a participant of this conversation",
			}
		case http.StatusInternalServerError:
			logger.Error("websocket upgrade refused", "path", r.URL.Path, "error", err)
			body = ErrorResponse{Message: "Internal server error.", Errors: "internal error"}
		}
		writeJSON(w, status, body)
	}
}

func malformed(err error) error {
	return apperr.Wrap(apperr.CodeInvalidArgument, "request body must be a JSON object", err)
}
