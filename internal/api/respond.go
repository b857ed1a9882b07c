package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	ErrorID string `json:"error_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps engine errors onto HTTP statuses. Anything unrecognised is
// an infrastructure fault: it is logged under an id and the id is returned instead of details.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrVoucherNotFound),
		errors.Is(err, model.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case model.IsContention(err),
		errors.Is(err, model.ErrDuplicateSlot),
		errors.Is(err, model.ErrDuplicateExternalEvent),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrPaymentReferenceMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrVoucherExpired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		id := uuid.NewString()
		s.logger.Error().Err(err).
			Str("error_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", ErrorID: id})
	}
}

// decodeJSON reads a JSON body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &model.ValidationError{Field: "body", Reason: "invalid JSON body"}
	}
	return nil
}
