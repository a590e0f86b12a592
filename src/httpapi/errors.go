package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elee1766/threadloom/src/executor"
	"github.com/elee1766/threadloom/src/orclient"
	"github.com/elee1766/threadloom/src/storage"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps engine and storage errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrThreadNotFound), errors.Is(err, storage.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyProcessing), errors.Is(err, storage.ErrConsistencyViolation):
		return http.StatusConflict
	case errors.Is(err, executor.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, executor.ErrMessageRequired), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case orclient.IsRateLimit(err):
		return http.StatusTooManyRequests
	case orclient.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
