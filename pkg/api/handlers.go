package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/bundle"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
)

// maxIssueBytes bounds the issuance body: a 1 MiB note plus envelope.
const maxIssueBytes = 2 << 20

// handleIssue issues one certificate from a clinical documentation event.
func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !requireRole(w, r, id, auth.RoleClinician, auth.RoleService) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxIssueBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeValidation, "request body unreadable or too large")
		return
	}

	req, err := issuer.ParseRequest(body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	res, err := s.issuer.Issue(r.Context(), id, req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/certificates/"+res.Certificate.CertificateID)
	writeJSON(w, http.StatusCreated, res)
}

// handleGetCertificate returns the stored certificate verbatim. The
// stored JSON is the signed document; re-encoding could reorder fields,
// so the column text is written through untouched.
func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Certificate(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rec.CertificateJSON)
}

// handleVerify runs the verifier and returns the full report. A failed
// verification is still HTTP 200; the report carries the verdict.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Certificate(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	cert, err := certificate.Unmarshal([]byte(rec.CertificateJSON))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.verify.Verify(r.Context(), cert))
}

func (s *Server) handleBundleJSON(w http.ResponseWriter, r *http.Request) {
	s.handleBundle(w, r, bundle.FormatJSON)
}

func (s *Server) handleBundleZip(w http.ResponseWriter, r *http.Request) {
	s.handleBundle(w, r, bundle.FormatZIP)
}

// handleBundle exports the evidence bundle in the requested rendering.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request, format bundle.Format) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !requireRole(w, r, id, auth.RoleAuditor) {
		return
	}

	export, err := s.bundles.Export(r.Context(), id, r.PathValue("id"), format)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	if format == bundle.FormatZIP {
		w.Header().Set("Content-Disposition", `attachment; filename="`+export.CertificateID+`-evidence.zip"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

type authorizeRequest struct {
	CertificateID string `json:"certificate_id"`
}

// handleAuthorize verifies a certificate and, when it holds, mints a
// single-use commit token for the EHR integration. A refused
// authorization is HTTP 200 with authorized=false and the full report.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !requireRole(w, r, id, auth.RoleService) {
		return
	}

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CertificateID == "" {
		WriteProblem(w, r, http.StatusBadRequest, CodeValidation, "certificate_id is required")
		return
	}

	rec, err := s.store.Certificate(r.Context(), id.TenantID, req.CertificateID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	cert, err := certificate.Unmarshal([]byte(rec.CertificateJSON))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	decision, err := s.gate.VerifyAndAuthorize(r.Context(), id, cert)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

type validateTokenRequest struct {
	CommitToken string `json:"commit_token"`
}

type validateTokenResponse struct {
	Valid         bool   `json:"valid"`
	CertificateID string `json:"certificate_id"`
	TenantID      string `json:"tenant_id"`
	ExpiresAt     string `json:"expires_at_utc"`
}

// handleValidateToken burns a commit token. Validation consumes the
// token's jti; a second presentation conflicts.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !requireRole(w, r, id, auth.RoleService) {
		return
	}

	var req validateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeValidation, "commit_token is required")
		return
	}

	info, err := s.gate.ValidateToken(r.Context(), id, req.CommitToken)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateTokenResponse{
		Valid:         true,
		CertificateID: info.CertificateID,
		TenantID:      info.TenantID,
		ExpiresAt:     info.ExpiresAt,
	})
}

// handleKey returns the public JWK for one of the tenant's keys,
// rotated keys included so old certificates stay verifiable.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	key, err := s.keys.KeyByID(r.Context(), id.TenantID, r.PathValue("key_id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	jwk, err := keyring.JWKFromPublic(key.Public, key.KeyID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jwk)
}
