package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/ride-lifecycle/internal/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCodes maps domain errors to responses. A non-empty message replaces
// the error text, which is then only logged.
var errorCodes = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{models.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR", ""},
	{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND", ""},
	{models.ErrInvalidState, http.StatusConflict, "INVALID_STATE", ""},
	{models.ErrNoPayment, http.StatusConflict, "NO_PAYMENT", ""},
	{models.ErrPayment, http.StatusBadGateway, "PAYMENT_ERROR", "payment processor request failed"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// writeError maps domain errors to status codes. Anything unrecognized is
// logged and reported as a generic internal error.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, m := range errorCodes {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := err.Error()
		if m.message != "" {
			logger.Warn("request failed", "code", m.code, "error", err)
			msg = m.message
		}
		writeErrorCode(w, m.status, m.code, msg)
		return
	}
	logger.Error("unhandled error", "error", err)
	writeErrorCode(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
