package handler

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
)

// errorBody is the JSON error envelope returned by the HTTP API.
type errorBody struct {
	Error struct {
		Code    errors.Code `json:"code"`
		Message string      `json:"message"`
		Field   string      `json:"field,omitempty"`
	} `json:"error"`
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeDuplicateApproval, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnauthorizedApprover, errors.ErrCodeSelfApproval:
		return http.StatusForbidden
	case errors.ErrCodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeValidation:
		return codes.InvalidArgument
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeInsufficientBalance:
		return codes.FailedPrecondition
	case errors.ErrCodeUnauthorizedApprover, errors.ErrCodeSelfApproval:
		return codes.PermissionDenied
	case errors.ErrCodeDuplicateApproval:
		return codes.AlreadyExists
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// mapErrorToGRPC converts a coded error to a gRPC status. Internal errors
// are not echoed to the caller.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	if code == errors.ErrCodeInternal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(grpcCode(code), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = errors.CodeOf(err)
	body.Error.Message = err.Error()

	var coded *errors.Error
	if errors.As(err, &coded) {
		body.Error.Message = coded.Message
		body.Error.Field = coded.Field
	}
	if body.Error.Code == errors.ErrCodeInternal {
		body.Error.Message = "internal error"
	}
	writeJSON(w, httpStatus(body.Error.Code), body)
}
