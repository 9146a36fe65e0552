package bundle

import (
	"fmt"
	"strings"

	"github.com/attestra/cdil/pkg/certificate"
)

// readmeText is static apart from the signed-field enumeration, which is
// generated from the same table the signer uses.
func readmeText() string {
	return fmt.Sprintf(`CDIL EVIDENCE BUNDLE (format %s)

This bundle is self-contained. Verifying it requires nothing from the
issuing service: only the files in this bundle and standard tooling.

Contents
  certificate.json          the stored certificate record, verbatim
  canonical_message.json    the exact payload that was signed
  public_key.pem            the signer's ECDSA P-256 public key (PKIX PEM)
  verification_report.json  the service's verdict at export time
  litigation_metadata.json  counsel-facing summary (zip variant)
  README.txt                this file

Offline verification
  1. Canonicalize canonical_message.json per RFC 8785 (JCS). The payload
     contains only strings, booleans, and nulls, where JCS output equals
     the service's canonical form byte for byte.
  2. SHA-256 the canonical bytes.
  3. Base64-decode signature.signature from certificate.json and verify
     it as an ASN.1 DER ECDSA signature over that digest using
     public_key.pem. The algorithm is %s.
  4. Recompute the chain hash: canonicalize the JSON object with exactly
     these keys taken from certificate.json
       previous_hash (null for the tenant's first certificate),
       certificate_id, tenant_id, timestamp, note_hash, model_version,
       governance_policy_version
     then SHA-256 it and prefix the hex digest with "sha256:". The result
     must equal integrity_chain.chain_hash.
  5. Confirm the signed fields in canonical_message.json match
     certificate.json. The signed set is exactly:
       %s

Or run: cdil verify-bundle --bundle <this file>
`, FormatVersion, certificate.AlgorithmECDSASHA256, strings.Join(certificate.SignedFields(), ",\n       "))
}
