// Ledger-specific instrumentation helpers.

package observability

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attributes for ledger operations. Values are
// identifiers only.
var (
	AttrTenantID      = attribute.Key("cdil.tenant.id")
	AttrCertificateID = attribute.Key("cdil.certificate.id")
	AttrKeyID         = attribute.Key("cdil.key.id")
	AttrOperation     = attribute.Key("cdil.operation")
	AttrBundleFormat  = attribute.Key("cdil.bundle.format")
	AttrVerifyValid   = attribute.Key("cdil.verify.valid")
	AttrAuthorized    = attribute.Key("cdil.gatekeeper.authorized")
)

// IssueOperation builds attributes for certificate issuance.
func IssueOperation(tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("issue"),
		AttrTenantID.String(tenantID),
	}
}

// VerifyOperation builds attributes for certificate verification.
func VerifyOperation(tenantID, certificateID string, valid bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("verify"),
		AttrTenantID.String(tenantID),
		AttrCertificateID.String(certificateID),
		AttrVerifyValid.Bool(valid),
	}
}

// BundleOperation builds attributes for evidence bundle export.
func BundleOperation(tenantID, certificateID, format string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("bundle"),
		AttrTenantID.String(tenantID),
		AttrCertificateID.String(certificateID),
		AttrBundleFormat.String(format),
	}
}

// GatekeeperOperation builds attributes for commit token decisions.
func GatekeeperOperation(tenantID, certificateID string, authorized bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("gatekeeper"),
		AttrTenantID.String(tenantID),
		AttrCertificateID.String(certificateID),
		AttrAuthorized.Bool(authorized),
	}
}

// statusRecorder captures the response code for span attributes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware traces every request routed through mux and feeds the
// RED instruments. Route patterns, not raw URLs, become the span names,
// so certificate ids never become metric labels.
func (p *Provider) HTTPMiddleware(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}

		ctx, done := p.TrackOperation(r.Context(), pattern,
			attribute.String("http.request.method", r.Method),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		var err error
		if rec.status >= 500 {
			err = &httpStatusError{status: rec.status}
		}
		done(err)
	})
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}
