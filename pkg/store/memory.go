package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store on process memory. Tests and local scaffolding
// use it; it honors the same transactional semantics as the SQL adapters,
// including rollback of staged writes when a TenantTx func fails.
type MemoryStore struct {
	mu           sync.RWMutex
	tenants      map[string]Tenant
	keys         map[string]TenantKey
	keysByTenant map[string][]string
	certs        map[string]CertificateRecord
	certOrder    map[string][]string
	nonces       map[string]string
	events       map[string][]AuditEvent
	locks        *keyedMutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tenants:      make(map[string]Tenant),
		keys:         make(map[string]TenantKey),
		keysByTenant: make(map[string][]string),
		certs:        make(map[string]CertificateRecord),
		certOrder:    make(map[string][]string),
		nonces:       make(map[string]string),
		events:       make(map[string][]AuditEvent),
		locks:        newKeyedMutex(),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func nonceKey(tenantID, nonce string) string {
	return tenantID + "\x00" + nonce
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.TenantID]; ok {
		return ErrDuplicate
	}
	s.tenants[t.TenantID] = t
	return nil
}

func (s *MemoryStore) Tenant(ctx context.Context, tenantID string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) InsertKey(ctx context.Context, k TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.KeyID]; ok {
		return ErrDuplicate
	}
	// Mirror the tenant_keys_one_active unique index of the SQL engines so
	// racing first-key inserts resolve the same way here.
	if k.Status == KeyStatusActive {
		for _, id := range s.keysByTenant[k.TenantID] {
			if s.keys[id].Status == KeyStatusActive {
				return ErrDuplicate
			}
		}
	}
	s.keys[k.KeyID] = k
	s.keysByTenant[k.TenantID] = append(s.keysByTenant[k.TenantID], k.KeyID)
	return nil
}

func (s *MemoryStore) ActiveKey(ctx context.Context, tenantID string) (TenantKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.keysByTenant[tenantID] {
		if k := s.keys[id]; k.Status == KeyStatusActive {
			return k, nil
		}
	}
	return TenantKey{}, ErrNotFound
}

func (s *MemoryStore) KeyByID(ctx context.Context, tenantID, keyID string) (TenantKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok || k.TenantID != tenantID {
		return TenantKey{}, ErrNotFound
	}
	return k, nil
}

func (s *MemoryStore) RotateKeys(ctx context.Context, tenantID string, next TenantKey) (string, error) {
	unlock := s.locks.lock(tenantID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[next.KeyID]; ok {
		return "", ErrDuplicate
	}
	prevID := ""
	for _, id := range s.keysByTenant[tenantID] {
		if k := s.keys[id]; k.Status == KeyStatusActive {
			k.Status = KeyStatusRotated
			s.keys[id] = k
			prevID = id
			break
		}
	}
	s.keys[next.KeyID] = next
	s.keysByTenant[tenantID] = append(s.keysByTenant[tenantID], next.KeyID)
	return prevID, nil
}

func (s *MemoryStore) Certificate(ctx context.Context, tenantID, certificateID string) (CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.certs[certificateID]
	if !ok || rec.TenantID != tenantID {
		return CertificateRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) CheckAndRecordNonce(ctx context.Context, tenantID, nonce, usedAt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nonceKey(tenantID, nonce)
	if _, ok := s.nonces[key]; ok {
		return false, nil
	}
	s.nonces[key] = usedAt
	return true, nil
}

func (s *MemoryStore) InTenantTx(ctx context.Context, tenantID string, fn func(tx TenantTx) error) error {
	unlock := s.locks.lock(tenantID)
	defer unlock()

	tx := &memTenantTx{store: s, tenantID: tenantID}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range tx.stagedNonces {
		s.nonces[nonceKey(tenantID, n.nonce)] = n.usedAt
	}
	for _, rec := range tx.stagedCerts {
		s.certs[rec.CertificateID] = rec
		s.certOrder[tenantID] = append(s.certOrder[tenantID], rec.CertificateID)
	}
	s.events[tenantID] = append(s.events[tenantID], tx.stagedEvents...)
	return nil
}

func (s *MemoryStore) AuditEvents(ctx context.Context, tenantID string, fn func(ev AuditEvent) error) error {
	s.mu.RLock()
	tenantIDs := []string{tenantID}
	if tenantID == "" {
		tenantIDs = tenantIDs[:0]
		for id := range s.events {
			tenantIDs = append(tenantIDs, id)
		}
		sort.Strings(tenantIDs)
	}
	var all []AuditEvent
	for _, id := range tenantIDs {
		evs := append([]AuditEvent(nil), s.events[id]...)
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].OccurredAt != evs[j].OccurredAt {
				return evs[i].OccurredAt < evs[j].OccurredAt
			}
			return evs[i].EventID < evs[j].EventID
		})
		all = append(all, evs...)
	}
	s.mu.RUnlock()

	for _, ev := range all {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) TenantIDsWithEvents(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, evs := range s.events {
		if len(evs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// memTenantTx stages writes so a failed func leaves no trace, mirroring the
// SQL rollback semantics.
type memTenantTx struct {
	store        *MemoryStore
	tenantID     string
	stagedCerts  []CertificateRecord
	stagedNonces []stagedNonce
	stagedEvents []AuditEvent
}

type stagedNonce struct {
	nonce  string
	usedAt string
}

func (t *memTenantTx) ChainHead() (string, error) {
	if n := len(t.stagedCerts); n > 0 {
		return t.stagedCerts[n-1].ChainHash, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	order := t.store.certOrder[t.tenantID]
	if len(order) == 0 {
		return "", nil
	}
	return t.store.certs[order[len(order)-1]].ChainHash, nil
}

func (t *memTenantTx) InsertCertificate(rec CertificateRecord) error {
	t.store.mu.RLock()
	_, exists := t.store.certs[rec.CertificateID]
	t.store.mu.RUnlock()
	if exists {
		return ErrDuplicate
	}
	for _, staged := range t.stagedCerts {
		if staged.CertificateID == rec.CertificateID {
			return ErrDuplicate
		}
	}
	t.stagedCerts = append(t.stagedCerts, rec)
	return nil
}

func (t *memTenantTx) ReserveNonce(nonce, usedAt string) error {
	t.store.mu.RLock()
	_, used := t.store.nonces[nonceKey(t.tenantID, nonce)]
	t.store.mu.RUnlock()
	if used {
		return ErrNonceUsed
	}
	for _, staged := range t.stagedNonces {
		if staged.nonce == nonce {
			return ErrNonceUsed
		}
	}
	t.stagedNonces = append(t.stagedNonces, stagedNonce{nonce: nonce, usedAt: usedAt})
	return nil
}

func (t *memTenantTx) AuditTip() (AuditTip, error) {
	if n := len(t.stagedEvents); n > 0 {
		last := t.stagedEvents[n-1]
		return AuditTip{EventHash: last.EventHash, OccurredAt: last.OccurredAt}, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	evs := t.store.events[t.tenantID]
	if len(evs) == 0 {
		return AuditTip{}, nil
	}
	last := evs[len(evs)-1]
	return AuditTip{EventHash: last.EventHash, OccurredAt: last.OccurredAt}, nil
}

func (t *memTenantTx) AppendAuditEvent(ev AuditEvent) error {
	if strings.TrimSpace(ev.EventID) == "" {
		return errors.New("store: append audit event: empty event id")
	}
	t.stagedEvents = append(t.stagedEvents, ev)
	return nil
}
