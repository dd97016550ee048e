package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"qms/hospital-queue/internal/queue"
)

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapError(err error) (int, string, string) {
	var transition *queue.TransitionError
	switch {
	case errors.As(err, &transition):
		if transition.Reason != "" {
			return http.StatusConflict, transition.Reason, transition.Error()
		}
		return http.StatusConflict, "invalid_transition", transition.Error()
	case errors.Is(err, queue.ErrQueueEmpty):
		return http.StatusNotFound, "queue_empty", "no waiting ticket"
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, queue.ErrNotWaiting):
		return http.StatusConflict, "not_waiting", "ticket is no longer waiting"
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	case errors.Is(err, queue.ErrAllocationFailed):
		return http.StatusServiceUnavailable, "allocation_failed", "could not allocate a queue number, retry the request"
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return "invalid request payload"
	}
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: RequestIDFrom(r.Context()),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
