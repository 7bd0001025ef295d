// Package identity implements the Key Store: the trust-on-first-use (TOFU)
// record of client identities the bridge daemon has been explicitly told to
// trust. A client identity is a (kid, JWK public key) pair where kid is the
// hex-encoded SHA-256 digest of the canonical JSON encoding of the JWK.
package identity

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

// KidSize is the size in bytes of a kid before hex encoding (SHA-256 digest).
const KidSize = 32

var (
	// ErrUnknownKid is returned by operations that require an existing entry.
	ErrUnknownKid = errors.New("identity: unknown kid")

	// ErrKeyMismatch is returned when a kid is already pinned to a different
	// public key than the one presented.
	ErrKeyMismatch = errors.New("identity: public key does not match pinned kid")

	// ErrNotRSA is returned when a JWK does not carry an RSA public key, the
	// only key type the challenge-response scheme supports.
	ErrNotRSA = errors.New("identity: JWK is not an RSA public key")
)

// ClientIdentity is one entry in the Key Store.
type ClientIdentity struct {
	Kid string          `json:"kid"`
	JWK json.RawMessage `json:"jwk"`
}

// ComputeKid returns the hex-encoded SHA-256 digest of the canonical JSON
// encoding of a JWK, per spec.md §4.C. Canonicalization is whatever
// encoding/json produces for a jose.JSONWebKey's MarshalJSON, which sorts no
// fields itself; callers must pass the exact bytes the client transmitted so
// both sides compute the same kid over the same representation.
func ComputeKid(jwkBytes []byte) string {
	sum := sha256.Sum256(jwkBytes)
	return hex.EncodeToString(sum[:])
}

// ParseRSAPublicKey extracts an RSA public key from a raw JWK document,
// rejecting any other key type.
func ParseRSAPublicKey(jwkBytes []byte) (*rsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(jwkBytes); err != nil {
		return nil, fmt.Errorf("identity: parse JWK: %w", err)
	}
	if !jwk.Valid() {
		return nil, errors.New("identity: JWK failed validity check")
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return pub, nil
}

type storeEntry struct {
	jwkBytes []byte
	pub      *rsa.PublicKey
}

// KeyStore is the ordered set of approved (kid, publicKey) pairs described by
// spec.md §4.C: lookup, contains, and idempotent insert. It is safe for
// concurrent use; the Daemon shares a single instance across all sessions.
type KeyStore struct {
	mu    sync.RWMutex
	byKid map[string]storeEntry
	path  string
}

// Open loads a Key Store from a line-delimited JSON file at path, creating
// an empty store if the file does not yet exist. Each line is one
// ClientIdentity; malformed lines are rejected outright rather than
// silently skipped, since a corrupted store is a trust-boundary problem.
func Open(path string) (*KeyStore, error) {
	ks := &KeyStore{
		byKid: make(map[string]storeEntry),
		path:  path,
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: open key store: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var entry ClientIdentity
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("identity: decode key store entry: %w", err)
		}
		pub, err := ParseRSAPublicKey(entry.JWK)
		if err != nil {
			return nil, fmt.Errorf("identity: entry %s: %w", entry.Kid, err)
		}
		ks.byKid[entry.Kid] = storeEntry{jwkBytes: entry.JWK, pub: pub}
	}
	return ks, nil
}

// Lookup returns the pinned public key for kid, if any.
func (ks *KeyStore) Lookup(kid string) (*rsa.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.byKid[kid]
	if !ok {
		return nil, false
	}
	return e.pub, true
}

// Contains reports whether kid is already pinned.
func (ks *KeyStore) Contains(kid string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.byKid[kid]
	return ok
}

// Insert pins kid to the given JWK and appends it to the backing file.
// Insert is idempotent: re-inserting the same kid with the same public key
// is a no-op success; inserting the same kid with a different public key is
// rejected as a TOFU violation rather than silently overwritten (spec.md
// §4.A: "mismatched publicKey under a known kid MUST be rejected").
func (ks *KeyStore) Insert(kid string, jwkBytes []byte) error {
	pub, err := ParseRSAPublicKey(jwkBytes)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if existing, ok := ks.byKid[kid]; ok {
		if existing.pub.Equal(pub) {
			return nil
		}
		return ErrKeyMismatch
	}

	if err := ks.appendLocked(kid, jwkBytes); err != nil {
		return err
	}
	ks.byKid[kid] = storeEntry{jwkBytes: jwkBytes, pub: pub}
	return nil
}

// appendLocked rewrites the entire store file atomically (temp file then
// rename). The Key Store is expected to stay small (one entry per approved
// human operator), so a full rewrite per insert is simpler and safer than
// incremental appends that could interleave with a concurrent reader.
// Caller must hold ks.mu for writing.
func (ks *KeyStore) appendLocked(newKid string, newJWK []byte) error {
	dir := filepath.Dir(ks.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create key store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keystore-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	for kid, e := range ks.byKid {
		if err := enc.Encode(ClientIdentity{Kid: kid, JWK: e.jwkBytes}); err != nil {
			tmp.Close()
			return fmt.Errorf("identity: encode entry: %w", err)
		}
	}
	if err := enc.Encode(ClientIdentity{Kid: newKid, JWK: newJWK}); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: encode new entry: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("identity: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, ks.path); err != nil {
		return fmt.Errorf("identity: persist key store: %w", err)
	}
	return nil
}

// Len returns the number of pinned identities.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.byKid)
}
