package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nbworkflows/labflow/pkg/model"
)

// respondJSON writes v as a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError maps the error taxonomy onto HTTP statuses and writes the
// APIError body. Unclassified errors become opaque 500s.
func respondError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewInternalError("internal error")
	}
	respondJSON(w, statusFor(apiErr.Code), apiErr)
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrAuthValidation:
		return http.StatusUnauthorized
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict:
		return http.StatusConflict
	case model.ErrDisabled:
		return http.StatusLocked
	case model.ErrBadInput:
		return http.StatusBadRequest
	case model.ErrExternal:
		return http.StatusBadGateway
	case model.ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads the request body into v, surfacing malformed input as
// BadInput.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewBadInputError("malformed JSON body: " + err.Error())
	}
	return nil
}
