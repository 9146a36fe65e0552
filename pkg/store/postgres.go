package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. Per-tenant serialization
// uses transaction-scoped advisory locks, so two connections issuing for the
// same tenant queue at the lock while other tenants proceed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a pq connection pool. The caller owns Init and Close.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return NewPostgres(db), nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaPostgres); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// tenantLockID maps a tenant to a stable advisory lock key.
func tenantLockID(tenantID string) int64 {
	sum := sha256.Sum256([]byte("cdil/tenant/" + tenantID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func isPGUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, status, retention_policy_json, created_at)
		 VALUES ($1, $2, $3, $4)`,
		t.TenantID, t.Status, nullable(t.RetentionPolicyJSON), t.CreatedAt)
	if isPGUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	var t Tenant
	var retention sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, status, retention_policy_json, created_at
		 FROM tenants WHERE tenant_id = $1`, tenantID).
		Scan(&t.TenantID, &t.Status, &retention, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("store: load tenant: %w", err)
	}
	t.RetentionPolicyJSON = retention.String
	return t, nil
}

func (s *PostgresStore) InsertKey(ctx context.Context, k TenantKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_keys (key_id, tenant_id, private_key_material, public_jwk_json, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		k.KeyID, k.TenantID, k.PrivateKeyMaterial, k.PublicJWKJSON, k.Status, k.CreatedAt)
	if isPGUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert key: %w", err)
	}
	return nil
}

const keyColumns = `key_id, tenant_id, private_key_material, public_jwk_json, status, created_at`

func (s *PostgresStore) ActiveKey(ctx context.Context, tenantID string) (TenantKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM tenant_keys WHERE tenant_id = $1 AND status = $2`,
		tenantID, KeyStatusActive)
	return scanKey(row)
}

func (s *PostgresStore) KeyByID(ctx context.Context, tenantID, keyID string) (TenantKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM tenant_keys WHERE tenant_id = $1 AND key_id = $2`,
		tenantID, keyID)
	return scanKey(row)
}

func (s *PostgresStore) RotateKeys(ctx context.Context, tenantID string, next TenantKey) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantLockID(tenantID)); err != nil {
		return "", fmt.Errorf("store: rotate lock: %w", err)
	}

	var prevID string
	err = tx.QueryRowContext(ctx,
		`SELECT key_id FROM tenant_keys WHERE tenant_id = $1 AND status = $2`,
		tenantID, KeyStatusActive).Scan(&prevID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevID = ""
	case err != nil:
		return "", fmt.Errorf("store: rotate read: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tenant_keys SET status = $1 WHERE key_id = $2`,
			KeyStatusRotated, prevID); err != nil {
			return "", fmt.Errorf("store: rotate mark: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_keys (key_id, tenant_id, private_key_material, public_jwk_json, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		next.KeyID, next.TenantID, next.PrivateKeyMaterial, next.PublicJWKJSON, next.Status, next.CreatedAt); err != nil {
		return "", fmt.Errorf("store: rotate insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: rotate commit: %w", err)
	}
	return prevID, nil
}

func (s *PostgresStore) Certificate(ctx context.Context, tenantID, certificateID string) (CertificateRecord, error) {
	var rec CertificateRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT certificate_id, tenant_id, "timestamp", note_hash, chain_hash, certificate_json, created_at
		 FROM certificates WHERE tenant_id = $1 AND certificate_id = $2`,
		tenantID, certificateID).
		Scan(&rec.CertificateID, &rec.TenantID, &rec.Timestamp, &rec.NoteHash,
			&rec.ChainHash, &rec.CertificateJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CertificateRecord{}, ErrNotFound
	}
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("store: load certificate: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) CheckAndRecordNonce(ctx context.Context, tenantID, nonce, usedAt string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_nonces (tenant_id, nonce, used_at) VALUES ($1, $2, $3)`,
		tenantID, nonce, usedAt)
	if isPGUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: record nonce: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) InTenantTx(ctx context.Context, tenantID string, fn func(tx TenantTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantLockID(tenantID)); err != nil {
		return fmt.Errorf("store: tenant lock: %w", err)
	}

	if err := fn(&pgTenantTx{ctx: ctx, tx: tx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

const auditColumns = `event_id, tenant_id, occurred_at_utc, object_type, object_id, action,
		event_payload_json, prev_event_hash, event_hash, actor_id`

func (s *PostgresStore) AuditEvents(ctx context.Context, tenantID string, fn func(ev AuditEvent) error) error {
	query := `SELECT ` + auditColumns + ` FROM audit_events
		ORDER BY tenant_id, occurred_at_utc, event_id`
	args := []any{}
	if tenantID != "" {
		query = `SELECT ` + auditColumns + ` FROM audit_events
			WHERE tenant_id = $1 ORDER BY occurred_at_utc, event_id`
		args = append(args, tenantID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: query audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) TenantIDsWithEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM audit_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list audit tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgTenantTx holds the advisory lock for one tenant until commit.
type pgTenantTx struct {
	ctx      context.Context
	tx       *sql.Tx
	tenantID string
}

func (t *pgTenantTx) ChainHead() (string, error) {
	var head string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT chain_hash FROM certificates WHERE tenant_id = $1
		 ORDER BY seq DESC LIMIT 1`, t.tenantID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: chain head: %w", err)
	}
	return head, nil
}

func (t *pgTenantTx) InsertCertificate(rec CertificateRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO certificates (certificate_id, tenant_id, "timestamp", note_hash, chain_hash, certificate_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.CertificateID, rec.TenantID, rec.Timestamp, rec.NoteHash,
		rec.ChainHash, rec.CertificateJSON, rec.CreatedAt)
	if isPGUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert certificate: %w", err)
	}
	return nil
}

func (t *pgTenantTx) ReserveNonce(nonce, usedAt string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO used_nonces (tenant_id, nonce, used_at) VALUES ($1, $2, $3)`,
		t.tenantID, nonce, usedAt)
	if isPGUniqueViolation(err) {
		return ErrNonceUsed
	}
	if err != nil {
		return fmt.Errorf("store: reserve nonce: %w", err)
	}
	return nil
}

func (t *pgTenantTx) AuditTip() (AuditTip, error) {
	var tip AuditTip
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT event_hash, occurred_at_utc FROM audit_events WHERE tenant_id = $1
		 ORDER BY occurred_at_utc DESC, event_id DESC LIMIT 1`, t.tenantID).
		Scan(&tip.EventHash, &tip.OccurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditTip{}, nil
	}
	if err != nil {
		return AuditTip{}, fmt.Errorf("store: audit tip: %w", err)
	}
	return tip, nil
}

func (t *pgTenantTx) AppendAuditEvent(ev AuditEvent) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.EventID, ev.TenantID, ev.OccurredAt, ev.ObjectType, ev.ObjectID,
		ev.Action, ev.EventPayloadJSON, nullable(ev.PrevEventHash), ev.EventHash,
		nullable(ev.ActorID))
	if isPGUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	return nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (TenantKey, error) {
	var k TenantKey
	var material []byte
	err := row.Scan(&k.KeyID, &k.TenantID, &material, &k.PublicJWKJSON, &k.Status, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantKey{}, ErrNotFound
	}
	if err != nil {
		return TenantKey{}, fmt.Errorf("store: scan key: %w", err)
	}
	k.PrivateKeyMaterial = material
	return k, nil
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var ev AuditEvent
	var prev, actor sql.NullString
	err := row.Scan(&ev.EventID, &ev.TenantID, &ev.OccurredAt, &ev.ObjectType,
		&ev.ObjectID, &ev.Action, &ev.EventPayloadJSON, &prev, &ev.EventHash, &actor)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("store: scan audit event: %w", err)
	}
	ev.PrevEventHash = prev.String
	ev.ActorID = actor.String
	return ev, nil
}
