// Package api is the HTTP transport: routing, authentication, rate
// limiting, and RFC 7807 problem responses. It translates between wire
// requests and the core packages and never implements ledger semantics
// itself. No handler logs or echoes note text.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/gatekeeper"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
)

// Stable error codes carried in the `code` field of problem responses.
// Clients branch on these, never on detail text.
const (
	CodeCertificateNotFound = "certificate_not_found"
	CodeKeyNotFound         = "key_not_found"
	CodePrivateKeyGone      = "private_key_unavailable"
	CodeNonceAlreadyUsed    = "nonce_already_used"
	CodeNonceMissing        = "nonce_missing"
	CodePHIDetected         = "phi_detected_in_note_text"
	CodeTenantRequired      = "tenant_id_required"
	CodeInvalidTenant       = "invalid_tenant"
	CodeTokenExpired        = "token_expired"
	CodeInvalidToken        = "invalid_token"
	CodeTenantMismatch      = "tenant_mismatch"
	CodeValidation          = "validation_error"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Every API error response uses this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Code is the stable machine-readable error kind.
	Code string `json:"code"`
	// Detail is a human-readable explanation specific to this occurrence.
	// It never carries note text, full-length hashes, or lower-layer
	// error messages.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with request context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	problem := &ProblemDetail{
		Type:   "https://cdil.attestra.com/errors/" + code,
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = auth.GetRequestID(r.Context())
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "insufficient role"
	}
	WriteProblem(w, r, http.StatusForbidden, CodeForbidden, detail)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
}

// WriteInternal writes a 500 response. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("request_id", auth.GetRequestID(r.Context())),
		slog.String("error", err.Error()),
	)
	WriteProblem(w, r, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// WriteDomainError classifies a core error into status and code. Detail
// text is built here from controlled fields only, so lower layers cannot
// leak their messages onto the wire.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var violation *phi.Violation
	switch {
	case errors.As(err, &violation):
		names := make([]string, len(violation.Categories))
		for i, c := range violation.Categories {
			names[i] = string(c)
		}
		detail := "note text matches PHI patterns: " + strings.Join(names, ", ")
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodePHIDetected, detail)
	case errors.Is(err, issuer.ErrValidation):
		WriteProblem(w, r, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, issuer.ErrUnknownTenant):
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodeInvalidTenant, "tenant is not provisioned")
	case errors.Is(err, store.ErrNonceUsed), errors.Is(err, gatekeeper.ErrNonceAlreadyUsed):
		WriteProblem(w, r, http.StatusConflict, CodeNonceAlreadyUsed, "nonce already used")
	case errors.Is(err, gatekeeper.ErrNonceMissing):
		WriteProblem(w, r, http.StatusBadRequest, CodeNonceMissing, "token carries no jti")
	case errors.Is(err, gatekeeper.ErrTokenExpired):
		WriteProblem(w, r, http.StatusBadRequest, CodeTokenExpired, "commit token expired")
	case errors.Is(err, gatekeeper.ErrInvalidToken):
		WriteProblem(w, r, http.StatusBadRequest, CodeInvalidToken, "commit token rejected")
	case errors.Is(err, gatekeeper.ErrTenantMismatch):
		WriteProblem(w, r, http.StatusForbidden, CodeTenantMismatch, "token bound to another tenant")
	case errors.Is(err, auth.ErrTenantRequired):
		WriteProblem(w, r, http.StatusUnauthorized, CodeTenantRequired, "identity carries no tenant")
	case errors.Is(err, keyring.ErrPrivateKeyUnavailable):
		WriteProblem(w, r, http.StatusInternalServerError, CodePrivateKeyGone, "signing key material unavailable")
	case errors.Is(err, keyring.ErrKeyNotFound):
		WriteProblem(w, r, http.StatusNotFound, CodeKeyNotFound, "key not found")
	case errors.Is(err, store.ErrNotFound):
		// Cross-tenant reads land here too: indistinguishable from absence.
		WriteProblem(w, r, http.StatusNotFound, CodeCertificateNotFound, "certificate not found")
	default:
		WriteInternal(w, r, err)
	}
}
