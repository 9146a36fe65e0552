// Package keyring manages per-tenant ECDSA P-256 signing keys: lazy
// generation, rotation, sealed storage of private material, and JWK/PEM
// codecs for the public halves. There is deliberately no fallback key of
// any kind; a tenant without a generable key cannot issue certificates.
package keyring

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/cdil/pkg/store"
)

var (
	// ErrPrivateKeyUnavailable reports a key whose sealed private material
	// is absent, typically a retired key kept only for verification.
	ErrPrivateKeyUnavailable = errors.New("keyring: private key unavailable")
	// ErrKeyNotFound reports a key id the tenant does not own.
	ErrKeyNotFound = errors.New("keyring: key not found")
)

// Key is one tenant signing key. Private is nil when only the public half
// is available.
type Key struct {
	KeyID    string
	TenantID string
	Status   string
	JWK      JWK
	Private  *ecdsa.PrivateKey
	Public   *ecdsa.PublicKey
}

// Sign produces a base64 ASN.1 DER ECDSA signature over SHA-256(message).
func (k *Key) Sign(message []byte) (string, error) {
	if k.Private == nil {
		return "", ErrPrivateKeyUnavailable
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, k.Private, digest[:])
	if err != nil {
		return "", fmt.Errorf("keyring: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 ASN.1 DER ECDSA signature over SHA-256(message).
func (k *Key) Verify(message []byte, signatureB64 string) bool {
	if k.Public == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(k.Public, digest[:], sig)
}

// RotationResult reports the outcome of one key rotation.
type RotationResult struct {
	NewKeyID        string
	SupersededKeyID string
}

// Registry resolves tenant keys against the store, caching each tenant's
// active key. Rotation invalidates the tenant's cache entry; readers see
// the old key or the new one, never both.
type Registry struct {
	store  store.Store
	sealer Sealer

	mu     sync.RWMutex
	active map[string]*Key
}

// NewRegistry builds a key registry over st, sealing private material
// with sealer.
func NewRegistry(st store.Store, sealer Sealer) *Registry {
	return &Registry{store: st, sealer: sealer, active: make(map[string]*Key)}
}

// ActiveKey returns the tenant's active signing key, generating one on
// first use. Generation failure is returned, never masked.
func (r *Registry) ActiveKey(ctx context.Context, tenantID string) (*Key, error) {
	r.mu.RLock()
	cached := r.active[tenantID]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	row, err := r.store.ActiveKey(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return r.generate(ctx, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: load active key: %w", err)
	}
	key, err := r.keyFromRow(row)
	if err != nil {
		return nil, err
	}
	r.cache(tenantID, key)
	return key, nil
}

// EnsureKey makes sure the tenant has an active key. Idempotent.
func (r *Registry) EnsureKey(ctx context.Context, tenantID string) (*Key, error) {
	return r.ActiveKey(ctx, tenantID)
}

// KeyByID returns any of the tenant's keys, rotated ones included, so old
// certificates stay verifiable across rotations.
func (r *Registry) KeyByID(ctx context.Context, tenantID, keyID string) (*Key, error) {
	r.mu.RLock()
	cached := r.active[tenantID]
	r.mu.RUnlock()
	if cached != nil && cached.KeyID == keyID {
		return cached, nil
	}

	row, err := r.store.KeyByID(ctx, tenantID, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: load key: %w", err)
	}
	return r.keyFromRow(row)
}

// Rotate retires the tenant's active key from signing and installs a fresh
// one. The superseded key remains available through KeyByID.
func (r *Registry) Rotate(ctx context.Context, tenantID string) (RotationResult, error) {
	key, row, err := r.newKey(tenantID)
	if err != nil {
		return RotationResult{}, err
	}
	superseded, err := r.store.RotateKeys(ctx, tenantID, row)
	if err != nil {
		return RotationResult{}, fmt.Errorf("keyring: rotate: %w", err)
	}
	r.cache(tenantID, key)
	return RotationResult{NewKeyID: key.KeyID, SupersededKeyID: superseded}, nil
}

// Invalidate drops the tenant's cached key. Used when another process may
// have rotated underneath this one.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.active, tenantID)
	r.mu.Unlock()
}

func (r *Registry) cache(tenantID string, key *Key) {
	r.mu.Lock()
	r.active[tenantID] = key
	r.mu.Unlock()
}

// generate creates and persists the tenant's first key. When two callers
// race, the unique active-key index lets exactly one insert win; the loser
// re-reads the winner's key.
func (r *Registry) generate(ctx context.Context, tenantID string) (*Key, error) {
	key, row, err := r.newKey(tenantID)
	if err != nil {
		return nil, err
	}
	if err := r.store.InsertKey(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			winner, rerr := r.store.ActiveKey(ctx, tenantID)
			if rerr != nil {
				return nil, fmt.Errorf("keyring: reload after insert race: %w", rerr)
			}
			won, kerr := r.keyFromRow(winner)
			if kerr != nil {
				return nil, kerr
			}
			r.cache(tenantID, won)
			return won, nil
		}
		return nil, fmt.Errorf("keyring: persist key: %w", err)
	}
	r.cache(tenantID, key)
	return key, nil
}

func (r *Registry) newKey(tenantID string) (*Key, store.TenantKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, store.TenantKey{}, fmt.Errorf("keyring: generate: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, store.TenantKey{}, fmt.Errorf("keyring: key id: %w", err)
	}
	keyID := id.String()

	jwk, err := JWKFromPublic(&priv.PublicKey, keyID)
	if err != nil {
		return nil, store.TenantKey{}, err
	}
	jwkJSON, err := jwk.Marshal()
	if err != nil {
		return nil, store.TenantKey{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, store.TenantKey{}, fmt.Errorf("keyring: encode private key: %w", err)
	}
	sealed, err := r.sealer.Seal(der)
	if err != nil {
		return nil, store.TenantKey{}, err
	}

	key := &Key{
		KeyID:    keyID,
		TenantID: tenantID,
		Status:   store.KeyStatusActive,
		JWK:      jwk,
		Private:  priv,
		Public:   &priv.PublicKey,
	}
	row := store.TenantKey{
		KeyID:              keyID,
		TenantID:           tenantID,
		PrivateKeyMaterial: []byte(sealed),
		PublicJWKJSON:      string(jwkJSON),
		Status:             store.KeyStatusActive,
		CreatedAt:          store.UTCMicro(time.Now()),
	}
	return key, row, nil
}

func (r *Registry) keyFromRow(row store.TenantKey) (*Key, error) {
	jwk, err := ParseJWK([]byte(row.PublicJWKJSON))
	if err != nil {
		return nil, err
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return nil, err
	}
	key := &Key{
		KeyID:    row.KeyID,
		TenantID: row.TenantID,
		Status:   row.Status,
		JWK:      jwk,
		Public:   pub,
	}
	if len(row.PrivateKeyMaterial) > 0 {
		der, err := r.sealer.Open(string(row.PrivateKeyMaterial))
		if err != nil {
			return nil, fmt.Errorf("keyring: unseal key %s: %w", row.KeyID, err)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode key %s: %w", row.KeyID, err)
		}
		priv, ok := parsed.(*ecdsa.PrivateKey)
		if !ok || priv.Curve != elliptic.P256() {
			return nil, ErrNotP256
		}
		key.Private = priv
	}
	return key, nil
}
