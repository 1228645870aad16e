package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrSignatureMismatch indicates the token failed the signature check or was malformed.
	ErrSignatureMismatch = errors.New("token signature mismatch")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// json is frozen with sorted map keys so canonical payload bytes are reproducible
// regardless of iteration order.
var json = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// Claims is the self-contained payload embedded in every issued token.
//
// Field order is fixed and the encoder sorts keys, so the canonical bytes signed
// at issuance are identical to the bytes recomputed during validation.
type Claims struct {
	PlayerID  string `json:"player_id"`
	Username  string `json:"username"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

// Expired reports whether the claims are past their expiry at the supplied instant.
func (c *Claims) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return now.Unix() > c.ExpiresAt
}

type tokenEnvelope struct {
	Payload   Claims `json:"payload"`
	Signature string `json:"signature"`
}

// AuthorityOption configures optional TokenAuthority behaviour at construction time.
type AuthorityOption func(*TokenAuthority)

// WithClock overrides the authority clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) AuthorityOption {
	return func(a *TokenAuthority) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithNonceSource overrides the random nonce generator for reproducible tests.
func WithNonceSource(source func() (string, error)) AuthorityOption {
	return func(a *TokenAuthority) {
		if source != nil {
			a.nonce = source
		}
	}
}

// TokenAuthority issues and validates signed, expiring player tokens.
//
// Validation is stateless: a token carries everything needed to verify it. The
// authority additionally remembers the most recently issued token per player so
// bans can drop the cached reference, with the documented limitation that a
// token already handed out stays valid until it expires.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	nonce  func() (string, error)

	mu     sync.Mutex
	issued map[string]string
}

// NewTokenAuthority constructs an authority for the supplied shared secret and default TTL.
func NewTokenAuthority(secret string, ttl time.Duration, opts ...AuthorityOption) (*TokenAuthority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	authority := &TokenAuthority{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		nonce:  randomNonce,
		issued: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(authority)
		}
	}
	return authority, nil
}

// Issue builds, signs, and encodes a token for the player, caching it as the
// most recent issue for that player id.
func (a *TokenAuthority) Issue(playerID, username string) (string, error) {
	if a == nil {
		return "", errors.New("authority not initialised")
	}
	trimmed := strings.TrimSpace(playerID)
	if trimmed == "" {
		return "", errors.New("player id must not be empty")
	}
	//1.- Assemble the claims with a fresh cryptographic nonce so tokens never collide.
	nonce, err := a.nonce()
	if err != nil {
		return "", err
	}
	now := a.now()
	claims := Claims{
		PlayerID:  trimmed,
		Username:  username,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(a.ttl).Unix(),
		Nonce:     nonce,
	}
	//2.- Sign the canonical payload bytes and wrap both halves into the envelope.
	canonical, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	envelope := tokenEnvelope{Payload: claims, Signature: a.sign(canonical)}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(blob)
	//3.- Remember the latest issue per player so a ban can drop the cached reference.
	a.mu.Lock()
	a.issued[trimmed] = token
	a.mu.Unlock()
	return token, nil
}

// Validate decodes the token, recomputes the signature over the embedded payload
// with a constant-time comparison, and checks expiry.
func (a *TokenAuthority) Validate(token string) (*Claims, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, errors.New("authority not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSignatureMismatch
	}
	//1.- Treat every structural failure as a signature mismatch: a forged token
	// must not learn which part of the check rejected it.
	blob, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	var envelope tokenEnvelope
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return nil, ErrSignatureMismatch
	}
	canonical, err := json.Marshal(envelope.Payload)
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	expected := a.sign(canonical)
	//2.- Constant-time comparison keeps the verifier free of timing side channels.
	if subtleCompare(envelope.Signature, expected) != 1 {
		return nil, ErrSignatureMismatch
	}
	if envelope.Payload.Expired(a.now()) {
		return nil, ErrExpiredToken
	}
	claims := envelope.Payload
	return &claims, nil
}

// LastIssued returns the most recently issued token for the player, if any.
func (a *TokenAuthority) LastIssued(playerID string) (string, bool) {
	if a == nil {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	token, ok := a.issued[strings.TrimSpace(playerID)]
	return token, ok
}

// Revoke drops the cached last-issued token for the player. Tokens already
// handed out remain self-validating until expiry.
func (a *TokenAuthority) Revoke(playerID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.issued, strings.TrimSpace(playerID))
	a.mu.Unlock()
}

// ActiveTokenCount reports how many players hold a cached token reference.
func (a *TokenAuthority) ActiveTokenCount() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.issued)
}

func (a *TokenAuthority) sign(payload []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func subtleCompare(got, want string) int {
	if hmac.Equal([]byte(got), []byte(want)) {
		return 1
	}
	return 0
}

// randomNonce draws 16 cryptographically random bytes rendered as hex.
func randomNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// GenerateSessionKey produces a unique 32-byte key for secure session channels.
func GenerateSessionKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
