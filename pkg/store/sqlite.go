package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite (pure-Go driver). It backs local
// development, the offline CLI, and single-node deployments. Per-tenant
// serialization uses an in-process keyed mutex; the connection pool is
// pinned to one connection to keep the driver single-writer.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// OpenSQLite opens (and creates if absent) the database file at path.
// ":memory:" works for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, locks: newKeyedMutex()}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQLite); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// SQLITE_CONSTRAINT is the low byte of every constraint-violation code.
func isSQLiteConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == 19
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, status, retention_policy_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		t.TenantID, t.Status, nullable(t.RetentionPolicyJSON), t.CreatedAt)
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	var t Tenant
	var retention sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, status, retention_policy_json, created_at
		 FROM tenants WHERE tenant_id = ?`, tenantID).
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

func (s *SQLiteStore) InsertKey(ctx context.Context, k TenantKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_keys (key_id, tenant_id, private_key_material, public_jwk_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.KeyID, k.TenantID, k.PrivateKeyMaterial, k.PublicJWKJSON, k.Status, k.CreatedAt)
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveKey(ctx context.Context, tenantID string) (TenantKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM tenant_keys WHERE tenant_id = ? AND status = ?`,
		tenantID, KeyStatusActive)
	return scanKey(row)
}

func (s *SQLiteStore) KeyByID(ctx context.Context, tenantID, keyID string) (TenantKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM tenant_keys WHERE tenant_id = ? AND key_id = ?`,
		tenantID, keyID)
	return scanKey(row)
}

func (s *SQLiteStore) RotateKeys(ctx context.Context, tenantID string, next TenantKey) (string, error) {
	unlock := s.locks.lock(tenantID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevID string
	err = tx.QueryRowContext(ctx,
		`SELECT key_id FROM tenant_keys WHERE tenant_id = ? AND status = ?`,
		tenantID, KeyStatusActive).Scan(&prevID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevID = ""
	case err != nil:
		return "", fmt.Errorf("store: rotate read: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tenant_keys SET status = ? WHERE key_id = ?`,
			KeyStatusRotated, prevID); err != nil {
			return "", fmt.Errorf("store: rotate mark: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_keys (key_id, tenant_id, private_key_material, public_jwk_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		next.KeyID, next.TenantID, next.PrivateKeyMaterial, next.PublicJWKJSON, next.Status, next.CreatedAt); err != nil {
		return "", fmt.Errorf("store: rotate insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: rotate commit: %w", err)
	}
	return prevID, nil
}

func (s *SQLiteStore) Certificate(ctx context.Context, tenantID, certificateID string) (CertificateRecord, error) {
	var rec CertificateRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT certificate_id, tenant_id, "timestamp", note_hash, chain_hash, certificate_json, created_at
		 FROM certificates WHERE tenant_id = ? AND certificate_id = ?`,
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

func (s *SQLiteStore) CheckAndRecordNonce(ctx context.Context, tenantID, nonce, usedAt string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_nonces (tenant_id, nonce, used_at) VALUES (?, ?, ?)`,
		tenantID, nonce, usedAt)
	if isSQLiteConstraint(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: record nonce: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) InTenantTx(ctx context.Context, tenantID string, fn func(tx TenantTx) error) error {
	unlock := s.locks.lock(tenantID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTenantTx{ctx: ctx, tx: tx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AuditEvents(ctx context.Context, tenantID string, fn func(ev AuditEvent) error) error {
	query := `SELECT ` + auditColumns + ` FROM audit_events
		ORDER BY tenant_id, occurred_at_utc, event_id`
	args := []any{}
	if tenantID != "" {
		query = `SELECT ` + auditColumns + ` FROM audit_events
			WHERE tenant_id = ? ORDER BY occurred_at_utc, event_id`
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

func (s *SQLiteStore) TenantIDsWithEvents(ctx context.Context) ([]string, error) {
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

type sqliteTenantTx struct {
	ctx      context.Context
	tx       *sql.Tx
	tenantID string
}

func (t *sqliteTenantTx) ChainHead() (string, error) {
	var head string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT chain_hash FROM certificates WHERE tenant_id = ?
		 ORDER BY rowid DESC LIMIT 1`, t.tenantID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: chain head: %w", err)
	}
	return head, nil
}

func (t *sqliteTenantTx) InsertCertificate(rec CertificateRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO certificates (certificate_id, tenant_id, "timestamp", note_hash, chain_hash, certificate_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CertificateID, rec.TenantID, rec.Timestamp, rec.NoteHash,
		rec.ChainHash, rec.CertificateJSON, rec.CreatedAt)
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert certificate: %w", err)
	}
	return nil
}

func (t *sqliteTenantTx) ReserveNonce(nonce, usedAt string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO used_nonces (tenant_id, nonce, used_at) VALUES (?, ?, ?)`,
		t.tenantID, nonce, usedAt)
	if isSQLiteConstraint(err) {
		return ErrNonceUsed
	}
	if err != nil {
		return fmt.Errorf("store: reserve nonce: %w", err)
	}
	return nil
}

func (t *sqliteTenantTx) AuditTip() (AuditTip, error) {
	var tip AuditTip
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT event_hash, occurred_at_utc FROM audit_events WHERE tenant_id = ?
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

func (t *sqliteTenantTx) AppendAuditEvent(ev AuditEvent) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.TenantID, ev.OccurredAt, ev.ObjectType, ev.ObjectID,
		ev.Action, ev.EventPayloadJSON, nullable(ev.PrevEventHash), ev.EventHash,
		nullable(ev.ActorID))
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	return nil
}
