package keyring

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// ErrNotP256 reports key material on any curve other than P-256.
var ErrNotP256 = errors.New("keyring: key is not on P-256")

// JWK is the public half of a tenant signing key in RFC 7517 form.
// Coordinates are fixed-width 32-byte big-endian values, base64url
// without padding; kid always equals the registry key id.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid"`
}

// JWKFromPublic encodes a P-256 public key.
func JWKFromPublic(pub *ecdsa.PublicKey, kid string) (JWK, error) {
	if pub.Curve != elliptic.P256() {
		return JWK{}, ErrNotP256
	}
	var x, y [32]byte
	pub.X.FillBytes(x[:])
	pub.Y.FillBytes(y[:])
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x[:]),
		Y:   base64.RawURLEncoding.EncodeToString(y[:]),
		Kid: kid,
	}, nil
}

// ParseJWK decodes a stored public JWK document.
func ParseJWK(data []byte) (JWK, error) {
	var j JWK
	if err := json.Unmarshal(data, &j); err != nil {
		return JWK{}, fmt.Errorf("keyring: parse jwk: %w", err)
	}
	return j, nil
}

// Marshal renders the storage form of the JWK.
func (j JWK) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal jwk: %w", err)
	}
	return b, nil
}

// PublicKey reconstructs the ECDSA public key, rejecting points that are
// not on the curve.
func (j JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, ErrNotP256
	}
	xb, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, fmt.Errorf("keyring: jwk x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(j.Y)
	if err != nil {
		return nil, fmt.Errorf("keyring: jwk y: %w", err)
	}
	if len(xb) != 32 || len(yb) != 32 {
		return nil, fmt.Errorf("keyring: jwk coordinates must be 32 bytes")
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("keyring: jwk point not on curve")
	}
	return pub, nil
}

// PublicKeyPEM renders the PKIX PEM form used inside evidence bundles.
func PublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keyring: pem encode: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM is the inverse of PublicKeyPEM, used by the offline
// bundle verifier.
func ParsePublicKeyPEM(pemText string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("keyring: no PUBLIC KEY block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: pem decode: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("keyring: PEM holds a non-ECDSA key")
	}
	if pub.Curve != elliptic.P256() {
		return nil, ErrNotP256
	}
	return pub, nil
}
