package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/repository"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// writeError maps a service error to its HTTP status.
// Unexpected errors are logged and answered with the request id only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *campaign.ValidationError

	switch {
	case errors.Is(err, campaign.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, transitionMessage(err))
	case errors.As(err, &verr):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: []string{verr.Error()}})
	case errors.Is(err, campaign.ErrValidation):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, repository.ErrRecipientNotFound):
		s.sendError(w, http.StatusNotFound, "Recipient not found")
	default:
		requestID := middleware.GetReqID(r.Context())
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"error", err,
		)
		metrics.IncAPIErrors("internal")
		s.sendJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", RequestID: requestID})
	}
}

func transitionMessage(err error) string {
	var terr *campaign.TransitionError
	if errors.As(err, &terr) {
		return terr.Error()
	}
	return err.Error()
}

// decode reads a JSON body into req and validates its tags.
// It writes the 400 response itself and reports whether to continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return false
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, validationMessage(fe))
		}
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without_all":
		return field + " or another address is required"
	case "email":
		return field + " must be a valid email address"
	case "e164":
		return field + " must be an E.164 phone number"
	case "max":
		return field + " must be at most " + fe.Param()
	case "min":
		return field + " must be at least " + fe.Param()
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// pageParams reads limit and offset query parameters
func pageParams(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, max)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
