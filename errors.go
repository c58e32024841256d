package main

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OAuth error codes returned in JSON bodies. Credential failures of every
// kind collapse into ErrInvalidGrant so callers cannot probe which part of
// the credential was wrong.
const (
	ErrInvalidRequest = "invalid_request"
	ErrInvalidGrant   = "invalid_grant"
	ErrInvalidToken   = "invalid_token"
	ErrForbidden      = "forbidden"
	ErrNotFound       = "not_found"
)

// oauthError is the error body shape for every structured failure.
type oauthError struct {
	Code        string `json:"error"`
	Reason      string `json:"error_reason,omitempty"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// encode failures here mean the connection is already gone; there is
	// nothing useful left to do with them
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError writes a structured OAuth error response.
func writeOAuthError(w http.ResponseWriter, status int, code string, description string) {
	writeJSON(w, status, oauthError{Code: code, Description: description})
}

// writeServerError hides internal failures behind an unstructured 500 so
// storage and hashing errors never reach the caller.
func writeServerError(w http.ResponseWriter) {
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// writeChallenge writes the 401 for protected resources. The machine-readable
// reason travels in the WWW-Authenticate parameters, parsed by callers as
// key="value" pairs.
func writeChallenge(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("Bearer error=%q, error_description=%q", ErrInvalidToken, description))
	writeOAuthError(w, http.StatusUnauthorized, ErrInvalidToken, description)
}
