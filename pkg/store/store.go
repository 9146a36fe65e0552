// Package store persists tenants, keys, certificates, nonces, and audit
// events behind a narrow capability interface. Production selects Postgres
// or SQLite; tests select the in-memory implementation. Nothing above this
// package issues SQL, and nothing here computes hashes.
package store

import (
	"context"
	"errors"
	"time"
)

// Timestamp layouts frozen by the wire contract: certificates carry second
// precision, audit events carry fixed six-digit fractional seconds so that
// lexical order equals chronological order.
const (
	TimeLayoutSecond = "2006-01-02T15:04:05Z"
	TimeLayoutMicro  = "2006-01-02T15:04:05.000000Z"
)

// UTCSecond formats t for certificate timestamps.
func UTCSecond(t time.Time) string {
	return t.UTC().Format(TimeLayoutSecond)
}

// UTCMicro formats t for audit event timestamps.
func UTCMicro(t time.Time) string {
	return t.UTC().Format(TimeLayoutMicro)
}

var (
	// ErrNotFound is returned for missing rows and for cross-tenant reads,
	// which are indistinguishable from absence by design.
	ErrNotFound = errors.New("store: not found")
	// ErrNonceUsed is returned when a (tenant_id, nonce) pair already exists.
	ErrNonceUsed = errors.New("store: nonce already used")
	// ErrDuplicate is returned when a primary key is inserted twice.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Tenant statuses.
const (
	TenantStatusActive  = "active"
	TenantStatusRetired = "retired"
)

// Key statuses. At most one key per tenant is active; the partial unique
// index in the schema backstops the application-level rotation lock.
const (
	KeyStatusActive  = "active"
	KeyStatusRotated = "rotated"
	KeyStatusRetired = "retired"
)

// Tenant is one isolation boundary.
type Tenant struct {
	TenantID            string
	Status              string
	RetentionPolicyJSON string
	CreatedAt           string
}

// TenantKey is one signing keypair row. PrivateKeyMaterial holds the sealed
// PKCS#8 form and may be nil for retired keys.
type TenantKey struct {
	KeyID              string
	TenantID           string
	PrivateKeyMaterial []byte
	PublicJWKJSON      string
	Status             string
	CreatedAt          string
}

// CertificateRecord is one stored certificate. The full signed document is
// kept verbatim in CertificateJSON; the indexable fields are duplicated into
// columns for query.
type CertificateRecord struct {
	CertificateID   string
	TenantID        string
	Timestamp       string
	NoteHash        string
	ChainHash       string
	CertificateJSON string
	CreatedAt       string
}

// AuditEvent is one append-only ledger row. EventPayloadJSON is stored as
// text exactly as hashed; it is never round-tripped through a JSON-typed
// column. PrevEventHash is empty for a tenant's first event.
type AuditEvent struct {
	EventID          string
	TenantID         string
	OccurredAt       string
	ObjectType       string
	ObjectID         string
	Action           string
	EventPayloadJSON string
	PrevEventHash    string
	EventHash        string
	ActorID          string
}

// AuditTip is the most recent event of a tenant's chain.
type AuditTip struct {
	EventHash  string
	OccurredAt string
}

// TenantTx is the per-tenant critical section. Implementations guarantee
// that two transactions for the same tenant serialize across the whole
// head-read..insert span and that different tenants never block each other.
type TenantTx interface {
	// ChainHead returns the chain_hash of the tenant's most recently issued
	// certificate, or "" when none exists.
	ChainHead() (string, error)
	// InsertCertificate persists one immutable certificate row.
	InsertCertificate(rec CertificateRecord) error
	// ReserveNonce records (tenant, nonce); ErrNonceUsed signals replay.
	ReserveNonce(nonce, usedAt string) error
	// AuditTip returns the tenant's current audit chain tip, zero when none.
	AuditTip() (AuditTip, error)
	// AppendAuditEvent inserts one ledger row linked to the current tip.
	AppendAuditEvent(ev AuditEvent) error
}

// Store is the persistence capability handed to the core via constructors.
type Store interface {
	// Init applies the baseline schema. Idempotent.
	Init(ctx context.Context) error
	Close() error

	CreateTenant(ctx context.Context, t Tenant) error
	Tenant(ctx context.Context, tenantID string) (Tenant, error)

	InsertKey(ctx context.Context, k TenantKey) error
	// ActiveKey returns the tenant's single active key or ErrNotFound.
	ActiveKey(ctx context.Context, tenantID string) (TenantKey, error)
	// KeyByID returns any of the tenant's keys, rotated ones included.
	KeyByID(ctx context.Context, tenantID, keyID string) (TenantKey, error)
	// RotateKeys atomically marks the current active key rotated and inserts
	// next as the new active key. It returns the superseded key id, "" when
	// the tenant had none.
	RotateKeys(ctx context.Context, tenantID string, next TenantKey) (string, error)

	// Certificate is tenant-scoped; cross-tenant ids yield ErrNotFound.
	Certificate(ctx context.Context, tenantID, certificateID string) (CertificateRecord, error)

	// CheckAndRecordNonce atomically records (tenant, nonce) and reports
	// whether the pair was new.
	CheckAndRecordNonce(ctx context.Context, tenantID, nonce, usedAt string) (bool, error)

	// InTenantTx runs fn inside the tenant's serialized transaction. Any
	// error from fn rolls back every write made through the TenantTx.
	InTenantTx(ctx context.Context, tenantID string, fn func(tx TenantTx) error) error

	// AuditEvents streams the tenant's events in (occurred_at asc, event_id
	// asc) order; tenantID "" streams every tenant grouped the same way.
	AuditEvents(ctx context.Context, tenantID string, fn func(ev AuditEvent) error) error
	// TenantIDsWithEvents lists tenants that own at least one audit event.
	TenantIDsWithEvents(ctx context.Context) ([]string, error)
}
