package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"contentfleet/pkg/model"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. fallback is the message for
// unexpected failures, whose details stay in the logs.
func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		msg := strings.TrimSuffix(err.Error(), ": "+model.ErrInvalidArgument.Error())
		writeJSON(w, http.StatusBadRequest, response{Message: msg})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Message: "Not found"})
	case errors.Is(err, model.ErrForbidden):
		writeJSON(w, http.StatusForbidden, response{Message: "You don't have permission to perform this action"})
	default:
		writeJSON(w, http.StatusInternalServerError, response{Message: fallback})
	}
}
