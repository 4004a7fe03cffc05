// Package auth implements the GSP Authentication Engine: stateless
// HMAC-cookie challenge/response and session-key derivation.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// AuthTimeout is the window a cookie remains verifiable in, and the
// deadline for completing a challenge.
const AuthTimeout = 5 * time.Second

// MaxAttempts is the number of failed AUTH attempts that destroys a
// session.
const MaxAttempts = 3

// State is a peer's position in the NONE→CHALLENGED→AUTHENTICATED
// state machine.
type State int

const (
	StateNone State = iota
	StateChallenged
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateChallenged:
		return "CHALLENGED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Session is one peer's authentication state.
type Session struct {
	mu sync.Mutex

	State       State
	ClientID    uint32
	nonce       uint8
	attempts    uint8
	challengeAt time.Time
	sessionKey  [8]byte
}

func (s *Session) snapshot() (State, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, s.ClientID
}

// Clock lets tests substitute a deterministic time source; production
// code leaves it nil and gets time.Now.
type Clock func() time.Time

// Engine holds the process-wide, immutable-after-startup shared secret
// plus every peer's mutable per-peer Session state.
type Engine struct {
	secret []byte
	clock  Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewEngine constructs an Engine over secret, which MUST NOT be mutated
// after construction. An empty secret is tolerated: callers
// are expected to have already substituted config.DefaultSharedSecret
// and logged the fallback before reaching here.
func NewEngine(secret []byte) *Engine {
	return &Engine{
		secret:   secret,
		sessions: make(map[string]*Session),
	}
}

// WithClock overrides the engine's time source, for tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

func (e *Engine) session(peerKey string) *Session {
	e.mu.RLock()
	s, ok := e.sessions[peerKey]
	e.mu.RUnlock()
	if ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[peerKey]; ok {
		return s
	}
	s = &Session{}
	e.sessions[peerKey] = s
	return s
}

// Lookup returns the current state of peerKey without creating a session
// (StateNone, 0 if none exists), for gating decisions.
func (e *Engine) Lookup(peerKey string) (State, uint32) {
	e.mu.RLock()
	s, ok := e.sessions[peerKey]
	e.mu.RUnlock()
	if !ok {
		return StateNone, 0
	}
	return s.snapshot()
}

// Destroy removes peerKey's session entirely (expiry, disconnect, or
// MaxAttempts failures).
func (e *Engine) Destroy(peerKey string) {
	e.mu.Lock()
	delete(e.sessions, peerKey)
	e.mu.Unlock()
}

// cookie computes HMAC_SHA256(secret, ip(16)||nonce(1)||timestamp_be(8))
// truncated to 32 bytes.
func (e *Engine) cookie(ip net.IP, nonce uint8, timestamp uint64) [32]byte {
	mac := hmac.New(sha256.New, e.secret)
	ip16 := ip.To16()
	mac.Write(ip16)
	mac.Write([]byte{nonce})
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], timestamp)
	mac.Write(tsb[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Challenge processes a JOIN(7) request: creates a CHALLENGED session
// and returns the (timestamp, cookie) pair to send back as CHALLENGE(9).
// version must equal 1; a mismatch returns ok=false without mutating
// peer state, and the caller sends a KICK.
func (e *Engine) Challenge(peerKey string, ip net.IP, clientID uint32, nonce, version uint8) (timestamp uint64, cookie [32]byte, ok bool) {
	if version != 1 {
		return 0, cookie, false
	}
	s := e.session(peerKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateAuthenticated {
		// No transition out of AUTHENTICATED except through destruction.
		return 0, cookie, false
	}

	now := e.now()
	ts := uint64(now.Unix())
	cookie = e.cookie(ip, nonce, ts)

	s.State = StateChallenged
	s.ClientID = clientID
	s.nonce = nonce
	s.attempts = 0
	s.challengeAt = now

	metrics.IncrCounter("auth.challenge_issued", 1)
	log.Debug().Str("peer", peerKey).Uint32("clientId", clientID).Msg("auth challenge issued")
	return ts, cookie, true
}

// VerifyResult reports the outcome of an AUTH(10) verification attempt.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyFailedRetry
	VerifyDestroyed
	VerifyUnexpectedState
)

// Verify processes an AUTH(10) reply: once the challenge is no older than
// AuthTimeout, for each candidate timestamp from the challenge's issuance
// up to now (1s granularity) it recomputes the cookie and
// compares it against the received one in constant time. On success it
// derives the session key and transitions to AUTHENTICATED.
func (e *Engine) Verify(peerKey string, ip net.IP, cookie [32]byte) (VerifyResult, [8]byte) {
	s := e.session(peerKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionKey [8]byte

	if s.State != StateChallenged {
		return VerifyUnexpectedState, sessionKey
	}

	now := e.now()
	if now.Sub(s.challengeAt) > AuthTimeout {
		e.failLocked(peerKey, s)
		if s.attempts >= MaxAttempts {
			return VerifyDestroyed, sessionKey
		}
		return VerifyFailedRetry, sessionKey
	}

	var matchedTS uint64
	matched := false
	deadline := now
	earliest := s.challengeAt
	for t := earliest; !t.After(deadline); t = t.Add(time.Second) {
		ts := uint64(t.Unix())
		want := e.cookie(ip, s.nonce, ts)
		if subtle.ConstantTimeCompare(want[:], cookie[:]) == 1 {
			matchedTS = ts
			matched = true
			break
		}
	}

	if !matched {
		e.failLocked(peerKey, s)
		if s.attempts >= MaxAttempts {
			return VerifyDestroyed, sessionKey
		}
		return VerifyFailedRetry, sessionKey
	}

	sessionKey = e.deriveSessionKey(matchedTS)
	s.State = StateAuthenticated
	s.sessionKey = sessionKey
	metrics.IncrCounter("auth.success", 1)
	log.Info().Str("peer", peerKey).Uint32("clientId", s.ClientID).Msg("auth success")
	return VerifyOK, sessionKey
}

// failLocked records a failed attempt and destroys the session at
// MaxAttempts, s.mu already held.
func (e *Engine) failLocked(peerKey string, s *Session) {
	s.attempts++
	metrics.IncrCounter("auth.failure", 1)
	if s.attempts >= MaxAttempts {
		e.mu.Lock()
		delete(e.sessions, peerKey)
		e.mu.Unlock()
		log.Warn().Str("peer", peerKey).Msg("auth session destroyed after max attempts")
	}
}

// deriveSessionKey computes the first 8 bytes of HKDF-SHA256(secret,
// salt=timestamp_be(8)).
func (e *Engine) deriveSessionKey(timestamp uint64) [8]byte {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], timestamp)
	reader := hkdf.New(sha256.New, e.secret, salt[:], nil)
	var key [8]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// hkdf.New with a valid hash never fails to produce 8 bytes;
		// this path exists only to satisfy the compiler.
		panic(fmt.Sprintf("auth: hkdf expand failed: %v", err))
	}
	return key
}

// CheckAuthenticated reports whether peerKey may send INPUT and RESYNC:
// both are rejected unless the sender is AUTHENTICATED.
func (e *Engine) CheckAuthenticated(peerKey string) bool {
	state, _ := e.Lookup(peerKey)
	return state == StateAuthenticated
}

// ExpireChallenges destroys every CHALLENGED session whose challenge has
// been outstanding longer than AuthTimeout without a successful AUTH.
func (e *Engine) ExpireChallenges() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.sessions {
		s.mu.Lock()
		expired := s.State == StateChallenged && now.Sub(s.challengeAt) > AuthTimeout
		s.mu.Unlock()
		if expired {
			delete(e.sessions, key)
			metrics.IncrCounter("auth.challenge_expired", 1)
		}
	}
}
