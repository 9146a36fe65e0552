package store

// Baseline schema, one authoritative revision per engine. Certificates keep
// the full signed document as a text blob with query columns duplicated
// alongside; audit_events rows are never updated or deleted. The seq /
// rowid ordering column records insertion order so chain-head reads do not
// depend on timestamp ties.

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id             TEXT PRIMARY KEY,
    status                TEXT NOT NULL DEFAULT 'active',
    retention_policy_json TEXT,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_keys (
    key_id               TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL REFERENCES tenants(tenant_id),
    private_key_material BYTEA,
    public_jwk_json      TEXT NOT NULL,
    status               TEXT NOT NULL,
    created_at           TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tenant_keys_one_active
    ON tenant_keys (tenant_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS certificates (
    seq              BIGSERIAL,
    certificate_id   TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL REFERENCES tenants(tenant_id),
    "timestamp"      TEXT NOT NULL,
    note_hash        TEXT NOT NULL,
    chain_hash       TEXT NOT NULL,
    certificate_json TEXT NOT NULL,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS certificates_tenant_seq
    ON certificates (tenant_id, seq DESC);

CREATE TABLE IF NOT EXISTS used_nonces (
    tenant_id TEXT NOT NULL,
    nonce     TEXT NOT NULL,
    used_at   TEXT NOT NULL,
    PRIMARY KEY (tenant_id, nonce)
);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id           TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    occurred_at_utc    TEXT NOT NULL,
    object_type        TEXT NOT NULL,
    object_id          TEXT NOT NULL,
    action             TEXT NOT NULL,
    event_payload_json TEXT NOT NULL,
    prev_event_hash    TEXT,
    event_hash         TEXT NOT NULL,
    actor_id           TEXT
);

CREATE INDEX IF NOT EXISTS audit_events_tenant_order
    ON audit_events (tenant_id, occurred_at_utc, event_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id             TEXT PRIMARY KEY,
    status                TEXT NOT NULL DEFAULT 'active',
    retention_policy_json TEXT,
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_keys (
    key_id               TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    private_key_material BLOB,
    public_jwk_json      TEXT NOT NULL,
    status               TEXT NOT NULL,
    created_at           TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tenant_keys_one_active
    ON tenant_keys (tenant_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS certificates (
    certificate_id   TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    "timestamp"      TEXT NOT NULL,
    note_hash        TEXT NOT NULL,
    chain_hash       TEXT NOT NULL,
    certificate_json TEXT NOT NULL,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS certificates_tenant ON certificates (tenant_id);

CREATE TABLE IF NOT EXISTS used_nonces (
    tenant_id TEXT NOT NULL,
    nonce     TEXT NOT NULL,
    used_at   TEXT NOT NULL,
    PRIMARY KEY (tenant_id, nonce)
);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id           TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    occurred_at_utc    TEXT NOT NULL,
    object_type        TEXT NOT NULL,
    object_id          TEXT NOT NULL,
    action             TEXT NOT NULL,
    event_payload_json TEXT NOT NULL,
    prev_event_hash    TEXT,
    event_hash         TEXT NOT NULL,
    actor_id           TEXT
);

CREATE INDEX IF NOT EXISTS audit_events_tenant_order
    ON audit_events (tenant_id, occurred_at_utc, event_id);
`
