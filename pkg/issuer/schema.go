package issuer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation reports a request rejected by the schema, before any
// hashing or cryptography runs.
var ErrValidation = errors.New("issuer: request validation failed")

// Request is the issuance input. NoteText is consumed for hashing and
// must never be retained, logged, or echoed. TenantID is accepted on the
// wire for forward compatibility but ignored; the tenant always comes
// from the authenticated identity.
type Request struct {
	NoteText                string `json:"note_text"`
	PatientID               string `json:"patient_id,omitempty"`
	ReviewerID              string `json:"reviewer_id,omitempty"`
	ModelName               string `json:"model_name"`
	ModelVersion            string `json:"model_version"`
	PromptVersion           string `json:"prompt_version"`
	GovernancePolicyVersion string `json:"governance_policy_version"`
	GovernancePolicyHash    string `json:"governance_policy_hash,omitempty"`
	HumanReviewed           bool   `json:"human_reviewed"`
	HumanAttestedAt         string `json:"human_attested_at,omitempty"`
	FinalizedAt             string `json:"finalized_at,omitempty"`
	EHRReferencedAt         string `json:"ehr_referenced_at,omitempty"`
	EHRCommitID             string `json:"ehr_commit_id,omitempty"`
	Nonce                   string `json:"nonce,omitempty"`
	TenantID                string `json:"tenant_id,omitempty"`
}

const requestSchemaURL = "https://cdil.schemas.local/clinical-documentation-request.schema.json"

// Bounded lengths keep a hostile request from parking megabytes in memory
// past the hashing step. The timestamp pattern accepts second precision
// with an optional fractional part, always UTC.
const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["note_text", "model_name", "model_version", "prompt_version", "governance_policy_version", "human_reviewed"],
  "$defs": {
    "utcTimestamp": {
      "type": "string",
      "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}(\\.[0-9]{1,6})?Z$"
    }
  },
  "properties": {
    "note_text": {"type": "string", "minLength": 1, "maxLength": 1048576},
    "patient_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "reviewer_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "model_name": {"type": "string", "minLength": 1, "maxLength": 128},
    "model_version": {"type": "string", "minLength": 1, "maxLength": 128},
    "prompt_version": {"type": "string", "minLength": 1, "maxLength": 128},
    "governance_policy_version": {"type": "string", "minLength": 1, "maxLength": 128},
    "governance_policy_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "human_reviewed": {"type": "boolean"},
    "human_attested_at": {"$ref": "#/$defs/utcTimestamp"},
    "finalized_at": {"$ref": "#/$defs/utcTimestamp"},
    "ehr_referenced_at": {"$ref": "#/$defs/utcTimestamp"},
    "ehr_commit_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "nonce": {"type": "string", "minLength": 8, "maxLength": 128},
    "tenant_id": {"type": "string", "maxLength": 256}
  }
}`

var requestSchema = mustCompileRequestSchema()

func mustCompileRequestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, strings.NewReader(requestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("issuer: request schema resource: %v", err))
	}
	return c.MustCompile(requestSchemaURL)
}

// ParseRequest decodes and validates one issuance request body. Schema
// rejection wraps ErrValidation; the error text carries schema keywords
// and instance locations, never request values.
func ParseRequest(data []byte) (Request, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return Request{}, fmt.Errorf("%w: malformed JSON", ErrValidation)
	}
	if err := requestSchema.Validate(probe); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Request{}, fmt.Errorf("%w: %s", ErrValidation, validationSummary(ve))
		}
		return Request{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return req, nil
}

// validationSummary flattens the leaf causes into one line per violation.
func validationSummary(ve *jsonschema.ValidationError) string {
	leaves := ve.BasicOutput().Errors
	var parts []string
	for _, l := range leaves {
		if l.Error == "" || strings.HasPrefix(l.Error, "doesn't validate with") {
			continue
		}
		loc := l.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, l.Error))
	}
	if len(parts) == 0 {
		return ve.Message
	}
	return strings.Join(parts, "; ")
}
