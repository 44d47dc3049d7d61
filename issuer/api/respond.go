package api

import (
	"encoding/json"
	"io"
	"net/http"

	issuererrors "github.com/hackcert/hackcert-node/issuer/errors"
)

const maxBodyBytes = 1 << 20

// statusFor maps an error code to its HTTP status.
func statusFor(code issuererrors.ErrorCode) int {
	switch code {
	case issuererrors.ErrCodeValidation:
		return http.StatusBadRequest
	case issuererrors.ErrCodeNotFound:
		return http.StatusNotFound
	case issuererrors.ErrCodeConflict, issuererrors.ErrCodeOperationInFlight, issuererrors.ErrCodeStaleTransition:
		return http.StatusConflict
	case issuererrors.ErrCodeUnconfirmed:
		return http.StatusAccepted
	case issuererrors.ErrCodeUndecodableLog:
		return http.StatusUnprocessableEntity
	case issuererrors.ErrCodeRegistryUnreachable:
		return http.StatusServiceUnavailable
	case issuererrors.ErrCodeLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := Response{Data: data, RequestID: w.Header().Get(requestIDHeader)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := &ErrorBody{Code: string(issuererrors.ErrCodeInternal), Message: err.Error()}
	var ie *issuererrors.IssuerError
	if issuererrors.As(err, &ie) {
		body.Code = string(ie.Code)
		body.Message = ie.Message
		if ie.Cause != nil {
			body.Message += ": " + ie.Cause.Error()
		}
		if len(ie.Context) > 0 {
			body.Context = ie.Context
		}
	}
	status := statusFor(issuererrors.ErrorCode(body.Code))
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", w.Header().Get(requestIDHeader)).Msg("request failed")
	}

	s.writeErrorBody(w, status, body)
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, body *ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := Response{Error: body, RequestID: w.Header().Get(requestIDHeader)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode error response")
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return issuererrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}
