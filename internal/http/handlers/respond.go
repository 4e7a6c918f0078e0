package handlers

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
)

var validate = validator.New()

// respondJSON writes a JSON response body with the given status.
func respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondAppError maps the error taxonomy onto HTTP statuses. Expired is not
// a fault: a terminal proposal answers 200 with its closing message.
// Internal detail never reaches the client; it is logged with the request id.
func respondAppError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		respondWithError(w, http.StatusBadRequest, apperr.MessageOf(err))
	case apperr.KindStateConflict:
		respondWithError(w, http.StatusConflict, apperr.MessageOf(err))
	case apperr.KindAuthorization:
		respondWithError(w, http.StatusForbidden, apperr.MessageOf(err))
	case apperr.KindNotFound:
		respondWithError(w, http.StatusNotFound, apperr.MessageOf(err))
	case apperr.KindExpired:
		respondJSON(w, http.StatusOK, map[string]string{"message": apperr.MessageOf(err)})
	default:
		log.Error("request failed",
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeAndValidate parses the JSON body into dst and runs struct validation.
func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return apperr.Newf(apperr.KindValidation, "invalid field %s", verrs[0].Field())
		}
		return apperr.New(apperr.KindValidation, "invalid request body")
	}
	return nil
}
