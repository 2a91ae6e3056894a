// Package auth verifies the bearer tokens presented on the termination
// core's two HTTP surfaces: the admin API and the xApp IPC WebSocket. Tokens
// are compact HS256 JWTs carrying the xApp's identity and the scopes it may
// exercise; the xApp id becomes the ownership key for every subscription the
// session creates.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a failed signature check.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("auth: token expired")
)

// TokenClaims is the verified identity a token carries. XAppID is the
// subscription ownership key; Scopes bound what the session may do.
type TokenClaims struct {
	Subject   string
	XAppID    string
	Scopes    []string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token grants the named scope. A token issued
// without any scope claim grants everything, so deployments can adopt
// scoping incrementally.
func (c *TokenClaims) HasScope(scope string) bool {
	if c == nil || len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// wirePayload is the raw JWT claim set before validation.
type wirePayload struct {
	Subject  string `json:"sub"`
	XApp     string `json:"xapp"`
	Scope    string `json:"scope"`
	Audience string `json:"aud"`
	Issued   int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// HMACTokenVerifier validates compact HS256 tokens against a shared secret.
type HMACTokenVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewHMACTokenVerifier constructs a verifier for the shared secret, allowing
// leeway of clock skew on expiry.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier's clock, for deterministic tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

// Verify checks the token's structure, signature, and expiry, and returns
// the claims it carries. Only HS256 is accepted; in particular a token whose
// header names any other algorithm (including "none") is rejected before the
// signature is even looked at.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("auth: verifier not initialised")
	}
	headerPart, rest, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	payloadPart, signaturePart, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(signaturePart, ".") {
		return nil, ErrInvalidToken
	}

	if err := v.checkHeader(headerPart); err != nil {
		return nil, err
	}
	if err := v.checkSignature(headerPart+"."+payloadPart, signaturePart); err != nil {
		return nil, err
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload wirePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	return v.buildClaims(payload)
}

func (v *HMACTokenVerifier) checkHeader(part string) error {
	raw, err := base64.RawURLEncoding.DecodeString(part)
	if err != nil {
		return ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return fmt.Errorf("%w: algorithm %q not accepted", ErrInvalidToken, header.Algorithm)
	}
	return nil
}

func (v *HMACTokenVerifier) checkSignature(signed, signaturePart string) error {
	got, err := base64.RawURLEncoding.DecodeString(signaturePart)
	if err != nil {
		return ErrInvalidToken
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signed))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidToken
	}
	return nil
}

func (v *HMACTokenVerifier) buildClaims(payload wirePayload) (*TokenClaims, error) {
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}

	//1.- The xApp identity defaults to the subject so tokens minted without
	// a dedicated xapp claim still own their subscriptions.
	xappID := strings.TrimSpace(payload.XApp)
	if xappID == "" {
		xappID = subject
	}
	claims := &TokenClaims{
		Subject:   subject,
		XAppID:    xappID,
		Audience:  payload.Audience,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}
	if scope := strings.TrimSpace(payload.Scope); scope != "" {
		claims.Scopes = strings.Fields(scope)
	}
	return claims, nil
}
