package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/signalsfoundry/herd-immunity/internal/sim"
	"github.com/signalsfoundry/herd-immunity/model"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// statusFor maps engine and request errors onto HTTP status codes.
func statusFor(err error) int {
	var rerr *requestError
	switch {
	case errors.As(err, &rerr),
		errors.Is(err, model.ErrInvalidParameter),
		errors.Is(err, model.ErrInvalidArea):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorResponse{Error: err.Error()}
	var perr *model.ParameterError
	if errors.As(err, &perr) {
		body.Field = perr.Field
		body.Reason = perr.Reason
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
