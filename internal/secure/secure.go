// Package secure implements the cryptography used on peer-to-peer sessions:
// ephemeral X25519 key agreement with SPKI-encoded public keys, and
// AES-256-GCM sealing of application payloads.
//
// The wire forms are fixed: public keys travel as base64 (standard padding)
// of the SubjectPublicKeyInfo DER encoding, and sealed payloads travel as
// base64(nonce(12) || tag(16) || ciphertext). The raw 32-byte ECDH output is
// used directly as the AES key; no KDF step.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	tagSize     = 16
	minTokenLen = NonceSize + tagSize
)

// ErrDecrypt is returned by Open for any token that cannot be authenticated
// and decrypted. It carries no detail about which step failed.
var ErrDecrypt = errors.New("decryption failed")

// KeyPair is an ephemeral X25519 key pair. A pair lives exactly as long as
// the TCP connection it keys; it is never persisted.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair mints a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicSPKI returns the SubjectPublicKeyInfo DER encoding of the public key.
func (kp *KeyPair) PublicSPKI() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// PublicBase64 returns the base64 wire form of the public key, as carried in
// handshake and handshake_ack frames.
func (kp *KeyPair) PublicBase64() (string, error) {
	der, err := kp.PublicSPKI()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Derive computes the shared session key from this key pair and a peer's
// base64-encoded SPKI public key. The result is the raw 32-byte X25519
// output, used directly as the AES-256 key.
func (kp *KeyPair) Derive(peerPublicB64 string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil {
		return nil, fmt.Errorf("decode peer key: %w", err)
	}
	pub, err := ParsePublic(der)
	if err != nil {
		return nil, err
	}
	secret, err := kp.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// ParsePublic parses an SPKI DER encoding into an X25519 public key.
func ParsePublic(der []byte) (*ecdh.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdh.PublicKey)
	if !ok || pub.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("not an x25519 public key")
	}
	return pub, nil
}

// Seal encrypts plaintext under the 32-byte session key and returns the
// base64 wire token: nonce(12) || tag(16) || ciphertext. A fresh random
// nonce is generated per call.
func Seal(key, plaintext []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	// cipher.AEAD appends the tag after the ciphertext; the wire format
	// puts it before, so split and reorder.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	token := make([]byte, 0, NonceSize+tagSize+len(ct))
	token = append(token, nonce...)
	token = append(token, tag...)
	token = append(token, ct...)
	return base64.StdEncoding.EncodeToString(token), nil
}

// Open authenticates and decrypts a wire token produced by Seal. Any
// failure (bad base64, short token, failed authentication) yields
// ErrDecrypt with no partial plaintext.
func Open(key []byte, token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < minTokenLen {
		return nil, ErrDecrypt
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := raw[:NonceSize]
	tag := raw[NonceSize:minTokenLen]
	ct := raw[minTokenLen:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
