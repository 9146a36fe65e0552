package api

import (
	"encoding/json"
	"net/http"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/bundle"
	"github.com/attestra/cdil/pkg/gatekeeper"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/observability"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

// Deps are the core components the server fronts. Auth is required;
// Limiter and Telemetry are optional.
type Deps struct {
	Store      store.Store
	Issuer     *issuer.Issuer
	Verifier   *verifier.Verifier
	Keys       *keyring.Registry
	Gatekeeper *gatekeeper.Gatekeeper
	Bundles    *bundle.Packager
	Auth       *Authenticator
	Limiter    *GlobalRateLimiter
	Telemetry  *observability.Provider
}

// Server is the HTTP front of the ledger.
type Server struct {
	store     store.Store
	issuer    *issuer.Issuer
	verify    *verifier.Verifier
	keys      *keyring.Registry
	gate      *gatekeeper.Gatekeeper
	bundles   *bundle.Packager
	authn     *Authenticator
	limiter   *GlobalRateLimiter
	telemetry *observability.Provider
}

// NewServer wires the handlers to the core components.
func NewServer(d Deps) *Server {
	return &Server{
		store:     d.Store,
		issuer:    d.Issuer,
		verify:    d.Verifier,
		keys:      d.Keys,
		gate:      d.Gatekeeper,
		bundles:   d.Bundles,
		authn:     d.Auth,
		limiter:   d.Limiter,
		telemetry: d.Telemetry,
	}
}

// RegisterRoutes registers the API routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/clinical/documentation", s.handleIssue)
	mux.HandleFunc("GET /v1/certificates/{id}", s.handleGetCertificate)
	mux.HandleFunc("POST /v1/certificates/{id}/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/certificates/{id}/evidence-bundle.json", s.handleBundleJSON)
	mux.HandleFunc("GET /v1/certificates/{id}/evidence-bundle.zip", s.handleBundleZip)
	mux.HandleFunc("POST /v1/gatekeeper/verify-and-authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/gatekeeper/validate-token", s.handleValidateToken)
	mux.HandleFunc("GET /v1/keys/{key_id}", s.handleKey)
}

// Handler returns the full middleware chain: request id, rate limit,
// authentication, tracing, routes. Tracing sits inside authentication
// so spans carry only traffic that passed the bearer check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	if s.telemetry != nil {
		h = s.telemetry.HTTPMiddleware(mux)
	}
	h = s.authn.Middleware(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return auth.RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
