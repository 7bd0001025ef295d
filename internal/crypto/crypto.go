// Package crypto provides end-to-end encryption for the bridge's terminal
// stream. It uses ECDH over NIST P-256 for key agreement and AES-256-GCM for
// symmetric encryption, with HKDF-SHA-256 deriving the session key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a raw uncompressed P-256 shared secret scalar
	// component in bytes, and the size of an AES-256-GCM key.
	KeySize = 32

	// NonceSize is the size of an AES-GCM nonce (IV) in bytes.
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag in bytes.
	TagSize = 16

	// hkdfInfo is the fixed context string mixed into session key derivation,
	// per spec.
	hkdfInfo = "root-operator-e2e-v1"

	// saltSize is the size of the daemon-chosen HKDF salt.
	saltSize = 16
)

var (
	// ErrDecrypt is returned when AEAD authentication fails. The specific
	// field that failed is never disclosed.
	ErrDecrypt = errors.New("decryption failed")
)

// EphemeralKeypair is a per-connection ECDH keypair. PrivateKey must be
// wiped with Zero once the shared secret has been computed.
type EphemeralKeypair struct {
	private *ecdh.PrivateKey
	Public  []byte // raw uncompressed point
}

// GenerateEphemeralKeypair creates a fresh P-256 keypair for one connection's
// key agreement.
func GenerateEphemeralKeypair() (*EphemeralKeypair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 keypair: %w", err)
	}
	return &EphemeralKeypair{
		private: priv,
		Public:  priv.PublicKey().Bytes(),
	}, nil
}

// Zero wipes the private scalar. Safe to call more than once.
func (k *EphemeralKeypair) Zero() {
	if k.private == nil {
		return
	}
	// crypto/ecdh.PrivateKey does not expose raw bytes for in-place
	// zeroing; drop the reference so the scalar is only reachable until
	// the next GC cycle collects it. The Bytes() copy the caller may have
	// made is the caller's responsibility.
	k.private = nil
}

// ComputeShared performs ECDH with a remote raw uncompressed P-256 point and
// returns the shared secret (the X coordinate of the product point).
func (k *EphemeralKeypair) ComputeShared(remotePublic []byte) ([]byte, error) {
	if k.private == nil {
		return nil, errors.New("ephemeral private key already zeroed")
	}
	remote, err := ecdh.P256().NewPublicKey(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("invalid remote public key: %w", err)
	}
	shared, err := k.private.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH: %w", err)
	}
	return shared, nil
}

// NewSalt generates a fresh random HKDF salt (daemon-chosen, per connection).
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveSessionKey derives the 32-byte AEAD key from an ECDH shared secret
// using HKDF-SHA-256 with the given salt and the fixed info string.
func DeriveSessionKey(sharedSecret, salt []byte) (*SessionKey, error) {
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(hkdfInfo))
	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// Only fails if the HKDF output is exhausted, which cannot happen
		// for a single 32-byte read.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &SessionKey{key: key, aead: aead}, nil
}

// SessionKey holds an AES-256-GCM AEAD used to encrypt/decrypt one
// connection's terminal stream in both directions.
type SessionKey struct {
	key  [KeySize]byte
	aead cipher.AEAD
}

// Sealed is a wire-ready encrypted message: IV, ciphertext, and tag are kept
// as separate fields per spec.md §4.B.
type Sealed struct {
	IV   []byte
	Data []byte
	Tag  []byte
}

// Encrypt seals plaintext with a fresh random 96-bit IV.
func (s *SessionKey) Encrypt(plaintext []byte) (*Sealed, error) {
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}
	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	if len(sealed) < TagSize {
		return nil, errors.New("unexpected short seal output")
	}
	data := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return &Sealed{IV: iv, Data: data, Tag: tag}, nil
}

// Decrypt opens a message previously produced by Encrypt (on either end).
// It never reveals which of IV/data/tag caused a failure.
func (s *SessionKey) Decrypt(msg *Sealed) ([]byte, error) {
	if len(msg.IV) != NonceSize || len(msg.Tag) != TagSize {
		return nil, ErrDecrypt
	}
	combined := make([]byte, 0, len(msg.Data)+len(msg.Tag))
	combined = append(combined, msg.Data...)
	combined = append(combined, msg.Tag...)
	plaintext, err := s.aead.Open(nil, msg.IV, combined, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zero wipes the raw key bytes. The cipher.AEAD itself may retain an
// internal copy inside the standard library's AES implementation, which is
// outside this package's control; this wipes everything this package owns.
func (s *SessionKey) Zero() {
	ZeroBytes(s.key[:])
	s.aead = nil
}

// ZeroBytes overwrites a byte slice with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
