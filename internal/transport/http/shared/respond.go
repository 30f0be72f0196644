// Package shared holds the response helpers every handler uses.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "matricula/pkg/domain-errors"
)

// ErrorBody is the public error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError maps a domain error onto its HTTP status and envelope. Errors
// without a domain code surface as opaque 500s.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = &dErrors.Error{Code: dErrors.CodeInternal, Message: "internal error"}
	}
	WriteJSON(w, dErrors.ToHTTPStatus(de.Code), ErrorBody{
		Error: ErrorDetail{Code: string(de.Code), Message: de.Message},
	})
}

// WriteErrorStatus writes the domain error envelope with an explicit status,
// for endpoints whose contract overrides the default code mapping.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = &dErrors.Error{Code: dErrors.CodeInternal, Message: "internal error"}
	}
	WriteJSON(w, status, ErrorBody{
		Error: ErrorDetail{Code: string(de.Code), Message: de.Message},
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
