package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/antinvestor/service-escrow/service/business"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request. Message is safe to
// show to end users; details stay in the logs.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// describe maps a business error onto an HTTP status and a public body.
func describe(err error) (int, ErrorResponse) {
	var (
		indeterminate *business.IndeterminateError
		integrity     *business.IntegrityError
		transition    *business.TransitionError
		duplicate     *business.DuplicateReferenceError
		conflict      *business.ConflictingFinalizationError
		classified    *business.Error
	)

	switch {
	case errors.As(err, &indeterminate):
		return http.StatusAccepted, ErrorResponse{
			Code:      "payment_indeterminate",
			Message:   "the payment gateway did not confirm the outcome, poll the reference",
			Reference: indeterminate.Reference,
		}
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Code:    "integrity_hold",
			Message: "transaction is on hold pending review",
		}
	case errors.As(err, &transition):
		return http.StatusConflict, ErrorResponse{Code: "invalid_state_transition", Message: transition.Error()}
	case errors.As(err, &duplicate):
		return http.StatusConflict, ErrorResponse{Code: "duplicate_reference", Message: duplicate.Error(), Reference: duplicate.Reference}
	case errors.As(err, &conflict):
		return http.StatusConflict, ErrorResponse{Code: "conflicting_finalization", Message: "payment was already finalized differently", Reference: conflict.Reference}
	case errors.As(err, &classified):
		return httpStatus(classified.Code), ErrorResponse{Code: classified.Reason, Message: classified.Message}
	}
	return http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: "internal error"}
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (es *EscrowServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describe(err)

	logger := es.Log.WithField("path", r.URL.Path).WithField("status", status).WithError(err)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed")
	case body.Code == "integrity_hold" || body.Code == "conflicting_finalization":
		logger.Error("request refused")
	default:
		logger.WithField("code", body.Code).Debug("request refused")
	}

	writeJSON(w, status, body)
}

func (es *EscrowServer) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	es.Log.WithField("path", r.URL.Path).WithError(err).Debug("undecodable request")
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_request", Message: "request body is not valid"})
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
