package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrWrapKeySize reports a wrap key that is not 32 bytes.
	ErrWrapKeySize = errors.New("keyring: wrap key must be 32 bytes")
	// ErrUnknownWrapVersion reports ciphertext sealed under a wrap key
	// version this process does not hold.
	ErrUnknownWrapVersion = errors.New("keyring: unknown wrap key version")
	// ErrMalformedSealed reports ciphertext that does not parse.
	ErrMalformedSealed = errors.New("keyring: malformed sealed payload")
)

// Sealer protects private key material at rest. Implementations must be
// safe for concurrent use. The interface exists so an HSM or external KMS
// can replace the local AES sealer without touching the registry.
type Sealer interface {
	// Seal encrypts plaintext under the active wrap key and returns a
	// versioned ciphertext of the form "v<N>:<base64>".
	Seal(plaintext []byte) (string, error)
	// Open decrypts a versioned ciphertext produced by Seal, under any
	// wrap key version still held.
	Open(sealed string) ([]byte, error)
}

// AESSealer is an AES-256-GCM sealer with versioned wrap keys. Old
// versions stay available for decryption so the wrap key can rotate
// without re-sealing every stored private key.
type AESSealer struct {
	active int
	keys   map[int][]byte
}

// NewAESSealer builds a sealer with a single version-1 wrap key.
func NewAESSealer(key []byte) (*AESSealer, error) {
	return NewAESSealerVersioned(1, map[int][]byte{1: key})
}

// NewAESSealerVersioned builds a sealer holding several wrap key versions,
// sealing under active.
func NewAESSealerVersioned(active int, keys map[int][]byte) (*AESSealer, error) {
	if len(keys) == 0 {
		return nil, ErrWrapKeySize
	}
	held := make(map[int][]byte, len(keys))
	for v, k := range keys {
		if len(k) != 32 {
			return nil, fmt.Errorf("%w: version %d has %d", ErrWrapKeySize, v, len(k))
		}
		held[v] = append([]byte(nil), k...)
	}
	if _, ok := held[active]; !ok {
		return nil, fmt.Errorf("keyring: active wrap version %d not held", active)
	}
	return &AESSealer{active: active, keys: held}, nil
}

// Seal implements Sealer.
func (s *AESSealer) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.keys[s.active])
	if err != nil {
		return "", fmt.Errorf("keyring: seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keyring: seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keyring: seal nonce: %w", err)
	}
	ct := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("v%d:%s", s.active, base64.StdEncoding.EncodeToString(ct)), nil
}

// Open implements Sealer.
func (s *AESSealer) Open(sealed string) ([]byte, error) {
	version, payload, err := parseSealed(sealed)
	if err != nil {
		return nil, err
	}
	key, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownWrapVersion, version)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: open: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: open: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrMalformedSealed
	}
	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}
	return plaintext, nil
}

func parseSealed(sealed string) (int, string, error) {
	if !strings.HasPrefix(sealed, "v") {
		return 0, "", ErrMalformedSealed
	}
	version, payload, found := strings.Cut(sealed[1:], ":")
	if !found {
		return 0, "", ErrMalformedSealed
	}
	v, err := strconv.Atoi(version)
	if err != nil || v < 1 {
		return 0, "", ErrMalformedSealed
	}
	return v, payload, nil
}
