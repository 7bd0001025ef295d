// Package crypto also provides RSA-PSS signature verification for client
// identity challenge-response, per spec.md §4.B.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// ChallengeSize is the number of random bytes issued per auth challenge.
const ChallengeSize = 32

// NewChallenge generates a fresh random challenge.
func NewChallenge() ([ChallengeSize]byte, error) {
	var c [ChallengeSize]byte
	_, err := rand.Read(c[:])
	if err != nil {
		return c, fmt.Errorf("generate challenge: %w", err)
	}
	return c, nil
}

// VerifyChallengeSignature checks an RSA-PSS/SHA-256 signature (salt length
// 32) over the raw challenge bytes, matching spec.md §4.B exactly.
func VerifyChallengeSignature(pub *rsa.PublicKey, challenge, signature []byte) error {
	digest := sha256.Sum256(challenge)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, opts); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// SignChallenge produces an RSA-PSS/SHA-256 signature over the raw
// challenge bytes. Used only by test harnesses that simulate a client; the
// daemon itself never signs.
func SignChallenge(priv *rsa.PrivateKey, challenge []byte) ([]byte, error) {
	digest := sha256.Sum256(challenge)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], opts)
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}
	return sig, nil
}
