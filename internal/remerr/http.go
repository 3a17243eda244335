package remerr

import (
	"errors"
	"net/http"
)

// StatusFor maps an error to the HTTP status its coded kind implies. An
// error not wrapping any Coded kind maps to 500.
func StatusFor(err error) int {
	var coded Coded
	if !errors.As(err, &coded) {
		return http.StatusInternalServerError
	}
	switch coded.Code() {
	case CodeValidation, CodeContentFieldNotFound, CodeEmbeddingFieldNotFound:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeQueryExecution, CodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the wire code from err, or "" if it wraps no Coded kind.
func CodeOf(err error) Code {
	var coded Coded
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Code()
}
