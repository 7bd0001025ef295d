// Package session implements the per-connection Session State Machine
// (spec.md §4.F): connect → auth → key-agreement → streaming, including
// challenge issuance/expiry, TOFU pending-approval handling, ECDH key
// agreement, and dispatch of encrypted terminal I/O.
package session

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hjertefolger/root-operator-bridge/internal/crypto"
	"github.com/hjertefolger/root-operator-bridge/internal/hub"
	"github.com/hjertefolger/root-operator-bridge/internal/identity"
	"github.com/hjertefolger/root-operator-bridge/internal/ratelimit"
)

// State names the Session State Machine's states, per spec.md §4.F.
type State string

const (
	StateAwaitAuth          State = "await_auth"
	StateAwaitingClientECDH State = "awaiting_client_ecdh"
	StateStreaming          State = "streaming"
	StateClosed             State = "closed"
)

// ChallengeValidity and AuthWindow are the timeouts from spec.md §5.
const (
	ChallengeValidity = 30 * time.Second
	AuthWindow        = 60 * time.Second
)

// WebSocket close codes used by the server, per spec.md §6.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Conn is the outbound surface a Session writes protocol messages and
// sealed terminal output to, and closes when the session ends. wsfront
// supplies the concrete WebSocket-backed implementation.
type Conn interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// PendingApproval describes an unknown kid awaiting an external approve()
// decision, enqueued per spec.md §4.F.
type PendingApproval struct {
	Kid     string
	JWK     []byte
	Session *Session
}

// Options configures a new Session.
type Options struct {
	ID            string
	Conn          Conn
	KeyStore      *identity.KeyStore
	Hub           *hub.Hub
	PTYWriter     io.Writer
	OnFingerprint func(sessionID, fingerprint string)
	OnPending     func(PendingApproval)
	// OnAuthFailure, if set, is invoked for every failed authentication
	// event on this session, labeled by reason ("bad_signature",
	// "challenge_expired", "attempts_exceeded"), for metrics.
	OnAuthFailure func(reason string)
	Now           func() time.Time
}

// Session is one authenticated (or authenticating) WebSocket connection.
type Session struct {
	id         string
	conn       Conn
	keyStore   *identity.KeyStore
	hub        *hub.Hub
	ptyWriter  io.Writer
	onFP       func(sessionID, fingerprint string)
	onPending  func(PendingApproval)
	onAuthFail func(reason string)
	now        func() time.Time

	mu              sync.Mutex
	state           State
	challenge       [crypto.ChallengeSize]byte
	challengeIssued time.Time
	attempts        ratelimit.AttemptCounter
	kid             string
	pendingKid      string
	pendingJWK      []byte
	ephemeral       *crypto.EphemeralKeypair
	salt            []byte
	sessionKey      *crypto.SessionKey
	fingerprint     string
	attached        bool
	authTimer       *time.Timer
	closeOnce       sync.Once
}

// ErrWrongState is returned (and otherwise ignored by callers, per the
// protocol error taxonomy) when a message type does not apply to the
// current state.
var ErrWrongState = errors.New("session: message type invalid for current state")

// New creates a Session in StateAwaitAuth. Call Start to issue the initial
// challenge.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:         opts.ID,
		conn:       opts.Conn,
		keyStore:   opts.KeyStore,
		hub:        opts.Hub,
		ptyWriter:  opts.PTYWriter,
		onFP:       opts.OnFingerprint,
		onPending:  opts.OnPending,
		onAuthFail: opts.OnAuthFailure,
		now:        now,
		state:      StateAwaitAuth,
	}
}

// ID returns the session's connection identifier (implements hub.Sink).
func (s *Session) ID() string { return s.id }

// Seal encrypts plaintext under this session's own key (implements
// hub.Sink). Must only be called once the session is streaming.
func (s *Session) Seal(plaintext []byte) (*crypto.Sealed, error) {
	s.mu.Lock()
	key := s.sessionKey
	s.mu.Unlock()
	if key == nil {
		return nil, errors.New("session: no session key established")
	}
	return key.Encrypt(plaintext)
}

// Deliver sends sealed PTY output to the client (implements hub.Sink).
func (s *Session) Deliver(sealed *crypto.Sealed) bool {
	msg := e2eOutputMsg{
		Type: "e2e_output",
		IV:   base64.StdEncoding.EncodeToString(sealed.IV),
		Data: base64.StdEncoding.EncodeToString(sealed.Data),
		Tag:  base64.StdEncoding.EncodeToString(sealed.Tag),
	}
	return s.conn.WriteJSON(msg) == nil
}

// Start issues the first auth_challenge and begins the 60s auth window.
func (s *Session) Start() error {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return fmt.Errorf("session: generate challenge: %w", err)
	}

	s.mu.Lock()
	s.challenge = challenge
	s.challengeIssued = s.now()
	s.authTimer = time.AfterFunc(AuthWindow, s.onAuthTimeout)
	s.mu.Unlock()

	return s.conn.WriteJSON(authChallengeMsg{
		Type: "auth_challenge",
		Data: hex.EncodeToString(challenge[:]),
	})
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateAwaitAuth {
		s.Close(ClosePolicyViolation, "auth timeout")
	}
}

// HandleFrame dispatches one decoded WebSocket text frame by its `type`
// field, per spec.md §4.F/§6. Any error returned is for logging only;
// protocol errors never change session state beyond what is documented.
func (s *Session) HandleFrame(raw []byte) error {
	var hdr envelopeHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil // non-JSON/malformed: drop silently
	}

	switch hdr.Type {
	case "auth_response":
		return s.handleAuthResponse(raw)
	case "e2e_client_key":
		return s.handleClientKey(raw)
	case "e2e_input":
		return s.handleInput(raw)
	case "resize":
		return s.handleResize(raw)
	default:
		return nil // unknown type: ignored without state change
	}
}

func (s *Session) handleAuthResponse(raw []byte) error {
	s.mu.Lock()
	if s.state != StateAwaitAuth {
		s.mu.Unlock()
		return ErrWrongState
	}
	challenge := s.challenge
	issued := s.challengeIssued
	s.mu.Unlock()

	var msg authResponseMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	if s.now().Sub(issued) > ChallengeValidity {
		_ = s.conn.WriteJSON(authErrorMsg{Type: "auth_error", Message: "challenge expired"})
		if s.onAuthFail != nil {
			s.onAuthFail("challenge_expired")
		}
		s.Close(ClosePolicyViolation, "challenge expired")
		return nil
	}

	sigBytes, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return s.recordAuthFailure("bad_signature")
	}

	if pub, ok := s.keyStore.Lookup(msg.KeyID); ok {
		if err := crypto.VerifyChallengeSignature(pub, challenge[:], sigBytes); err != nil {
			return s.recordAuthFailure("bad_signature")
		}
		s.mu.Lock()
		s.kid = msg.KeyID
		s.mu.Unlock()
		return s.advanceToECDH()
	}

	// Unknown kid: only a well-formed JWK matching kid=SHA-256(canonical
	// JWK) is consulted; otherwise the response is ignored without
	// counting against the attempt cap (spec.md §4.F tie-breaks).
	if len(msg.JWK) == 0 {
		return nil
	}
	if identity.ComputeKid(msg.JWK) != msg.KeyID {
		return nil
	}
	pub, err := identity.ParseRSAPublicKey(msg.JWK)
	if err != nil {
		return nil
	}
	if err := crypto.VerifyChallengeSignature(pub, challenge[:], sigBytes); err != nil {
		return nil
	}

	s.mu.Lock()
	s.pendingKid = msg.KeyID
	s.pendingJWK = append([]byte(nil), msg.JWK...)
	s.mu.Unlock()

	if s.onPending != nil {
		s.onPending(PendingApproval{Kid: msg.KeyID, JWK: msg.JWK, Session: s})
	}
	return nil
}

func (s *Session) recordAuthFailure(reason string) error {
	s.mu.Lock()
	exceeded := s.attempts.RecordFailure()
	s.mu.Unlock()
	if s.onAuthFail != nil {
		s.onAuthFail(reason)
	}
	if exceeded {
		if s.onAuthFail != nil {
			s.onAuthFail("attempts_exceeded")
		}
		s.Close(ClosePolicyViolation, "too many auth attempts")
	}
	return nil
}

// Approve is invoked by the Control Surface once an operator approves a
// pending kid: it pins the identity in the Key Store and advances the
// session exactly as a first-try valid signature would have.
func (s *Session) Approve() error {
	s.mu.Lock()
	if s.state != StateAwaitAuth || s.pendingKid == "" {
		s.mu.Unlock()
		return errors.New("session: no pending approval for this session")
	}
	kid := s.pendingKid
	jwk := s.pendingJWK
	s.mu.Unlock()

	if err := s.keyStore.Insert(kid, jwk); err != nil {
		return fmt.Errorf("session: approve: %w", err)
	}

	s.mu.Lock()
	s.kid = kid
	s.mu.Unlock()

	if err := s.conn.WriteJSON(registeredMsg{Type: "registered"}); err != nil {
		return err
	}
	return s.advanceToECDH()
}

func (s *Session) advanceToECDH() error {
	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.state = StateAwaitingClientECDH
	s.mu.Unlock()

	ephemeral, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		s.Close(ClosePolicyViolation, "key agreement failure")
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		s.Close(ClosePolicyViolation, "key agreement failure")
		return err
	}

	s.mu.Lock()
	s.ephemeral = ephemeral
	s.salt = salt
	s.mu.Unlock()

	if err := s.conn.WriteJSON(authSuccessMsg{Type: "auth_success"}); err != nil {
		return err
	}
	return s.conn.WriteJSON(e2eInitMsg{
		Type:      "e2e_init",
		PublicKey: base64.StdEncoding.EncodeToString(ephemeral.Public),
		Salt:      base64.StdEncoding.EncodeToString(salt),
	})
}

func (s *Session) handleClientKey(raw []byte) error {
	s.mu.Lock()
	if s.state != StateAwaitingClientECDH {
		s.mu.Unlock()
		return ErrWrongState
	}
	ephemeral := s.ephemeral
	salt := s.salt
	s.mu.Unlock()

	var msg e2eClientKeyMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	remotePub, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return nil
	}

	shared, err := ephemeral.ComputeShared(remotePub)
	if err != nil {
		s.Close(ClosePolicyViolation, "key agreement failure")
		return err
	}
	sessionKey, err := crypto.DeriveSessionKey(shared, salt)
	if err != nil {
		s.Close(ClosePolicyViolation, "key agreement failure")
		return err
	}
	fingerprint := crypto.DeriveFingerprint(shared, salt)
	crypto.ZeroBytes(shared)
	ephemeral.Zero()

	s.mu.Lock()
	s.sessionKey = sessionKey
	s.fingerprint = fingerprint
	s.state = StateStreaming
	s.mu.Unlock()

	if err := s.conn.WriteJSON(e2eReadyMsg{Type: "e2e_ready", Fingerprint: fingerprint}); err != nil {
		return err
	}

	if s.onFP != nil {
		s.onFP(s.id, fingerprint)
	}

	s.hub.Attach(s)
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return nil
}

func (s *Session) handleInput(raw []byte) error {
	s.mu.Lock()
	streaming := s.state == StateStreaming
	key := s.sessionKey
	s.mu.Unlock()
	if !streaming || key == nil {
		return ErrWrongState
	}

	var msg e2eInputMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	iv, err1 := base64.StdEncoding.DecodeString(msg.IV)
	data, err2 := base64.StdEncoding.DecodeString(msg.Data)
	tag, err3 := base64.StdEncoding.DecodeString(msg.Tag)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}

	plaintext, err := key.Decrypt(&crypto.Sealed{IV: iv, Data: data, Tag: tag})
	if err != nil {
		return nil // AEAD failure: drop silently, never reveal which field
	}

	plaintext = ratelimit.TruncatePayload(plaintext)
	_, err = s.ptyWriter.Write(plaintext)
	return err
}

func (s *Session) handleResize(raw []byte) error {
	s.mu.Lock()
	streaming := s.state == StateStreaming
	s.mu.Unlock()
	if !streaming {
		return ErrWrongState
	}

	var msg resizeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	cols := ratelimit.ClampCols(msg.Cols)
	rows := ratelimit.ClampRows(msg.Rows)

	type resizer interface {
		Resize(cols, rows uint16) error
	}
	if r, ok := s.ptyWriter.(resizer); ok {
		return r.Resize(uint16(cols), uint16(rows))
	}
	return nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fingerprint returns the derived fingerprint once streaming, or "".
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Close transitions to StateClosed, zeroizes key material, detaches from
// the Hub, and closes the underlying connection. Safe to call more than
// once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		if s.sessionKey != nil {
			s.sessionKey.Zero()
			s.sessionKey = nil
		}
		if s.ephemeral != nil {
			s.ephemeral.Zero()
			s.ephemeral = nil
		}
		attached := s.attached
		s.mu.Unlock()

		if attached {
			s.hub.Detach(s.id)
		}
		_ = s.conn.Close(code, reason)
	})
}
