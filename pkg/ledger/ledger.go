// Package ledger implements the append-only audit event chain. Every
// event is hash-linked to the tenant's previous one, so insertion,
// deletion, and reordering are all detectable offline. The hash formula
// lives in exactly one place, EventHash; the writer, the API verifier,
// and the standalone CLI all import it rather than re-deriving it.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/store"
)

// Object types and actions recorded on the chain.
const (
	ObjectTypeCertificate = "certificate"
	ObjectTypeCommitToken = "commit_token"
	ObjectTypeTenantKey   = "tenant_key"
	ObjectTypeTenant      = "tenant"
	ObjectTypeBundle      = "evidence_bundle"

	ActionCertificateIssued   = "certificate_issued"
	ActionCommitTokenIssued   = "commit_token_issued"
	ActionCommitTokenConsumed = "commit_token_consumed"
	ActionKeyRotated          = "key_rotated"
	ActionTenantCreated       = "tenant_created"
	ActionBundleExported      = "bundle_exported"
)

// HashPolicy documents the chaining formula for verification reports.
const HashPolicy = "sha256(prev_event_hash + occurred_at_utc + object_type + object_id + action + event_payload_json)"

// Ordering is the canonical event iteration order.
const Ordering = "occurred_at_utc asc, event_id asc"

// EventHash computes the chain hash of one event: lowercase hex SHA-256
// over the concatenation of the previous event's hash ("" for the
// tenant's first event), the occurrence timestamp, the object
// coordinates, the action, and the payload exactly as stored.
func EventHash(prevHash, occurredAt, objectType, objectID, action, payloadJSON string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(occurredAt))
	h.Write([]byte(objectType))
	h.Write([]byte(objectID))
	h.Write([]byte(action))
	h.Write([]byte(payloadJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry describes one event to append.
type Entry struct {
	TenantID   string
	ObjectType string
	ObjectID   string
	Action     string
	Payload    map[string]any
	ActorID    string
}

// AppendTx appends one event inside an already-open tenant transaction,
// linking it to the current tip. The issuer uses this so the certificate
// insert and its genesis audit event commit or roll back together.
func AppendTx(tx store.TenantTx, at time.Time, e Entry) (store.AuditEvent, error) {
	payloadJSON, err := c14n.Encode(e.Payload)
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("ledger: encode payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("ledger: event id: %w", err)
	}
	tip, err := tx.AuditTip()
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("ledger: read tip: %w", err)
	}

	ev := store.AuditEvent{
		EventID:          id.String(),
		TenantID:         e.TenantID,
		OccurredAt:       store.UTCMicro(at),
		ObjectType:       e.ObjectType,
		ObjectID:         e.ObjectID,
		Action:           e.Action,
		EventPayloadJSON: string(payloadJSON),
		PrevEventHash:    tip.EventHash,
		ActorID:          e.ActorID,
	}
	ev.EventHash = EventHash(ev.PrevEventHash, ev.OccurredAt, ev.ObjectType, ev.ObjectID, ev.Action, ev.EventPayloadJSON)

	if err := tx.AppendAuditEvent(ev); err != nil {
		return store.AuditEvent{}, fmt.Errorf("ledger: append: %w", err)
	}
	return ev, nil
}

// Writer appends events outside of issuance, each in its own per-tenant
// transaction.
type Writer struct {
	store store.Store
	now   func() time.Time
}

// NewWriter builds a ledger writer over st.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st, now: time.Now}
}

// WithClock overrides the clock for tests.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Append records one event and returns its id.
func (w *Writer) Append(ctx context.Context, e Entry) (string, error) {
	var eventID string
	err := w.store.InTenantTx(ctx, e.TenantID, func(tx store.TenantTx) error {
		ev, err := AppendTx(tx, w.now(), e)
		if err != nil {
			return err
		}
		eventID = ev.EventID
		return nil
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}
