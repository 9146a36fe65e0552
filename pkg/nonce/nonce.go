// Package nonce provides single-use token stores. A nonce is scoped to a
// tenant: the same value presented under two tenants is two independent
// nonces. Certificate nonces are retained indefinitely through the SQL
// store; commit-token jtis may use the Redis backend with a TTL window
// just past token expiry.
package nonce

import (
	"context"
	"sync"
	"time"
)

// Store records nonces and reports first use.
type Store interface {
	// CheckAndRecord atomically records (tenantID, nonce) and returns
	// whether the pair was new. A false return is the replay signal.
	CheckAndRecord(ctx context.Context, tenantID, nonce string) (bool, error)
}

// Memory is the test and single-process backend.
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemory builds an empty in-memory nonce store.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// CheckAndRecord implements Store.
func (m *Memory) CheckAndRecord(_ context.Context, tenantID, nonce string) (bool, error) {
	key := tenantID + "\x00" + nonce
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.seen[key]; used {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// Recorder is the subset of the persistence layer the SQL backend needs.
type Recorder interface {
	CheckAndRecordNonce(ctx context.Context, tenantID, nonce, usedAt string) (bool, error)
}

// SQL persists nonces through the certificate store, sharing its
// retention and backup story.
type SQL struct {
	rec Recorder
	now func() time.Time
}

// NewSQL builds a nonce store over the persistence layer.
func NewSQL(rec Recorder) *SQL {
	return &SQL{rec: rec, now: time.Now}
}

// CheckAndRecord implements Store.
func (s *SQL) CheckAndRecord(ctx context.Context, tenantID, nonce string) (bool, error) {
	return s.rec.CheckAndRecordNonce(ctx, tenantID, nonce, s.now().UTC().Format("2006-01-02T15:04:05.000000Z"))
}
