// Package servicetoken signs and verifies the RS256 tokens the data store
// presents on the HTTP change callback. These are service-to-service
// credentials, distinct from the user tokens that open realtime
// connections.
package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL bounds how long a callback credential stays usable.
	// Callbacks fire within seconds of the change, so a minute is plenty.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway absorbs clock skew between the data store and gateway.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID names the active callback signing key.
	DefaultKeyID = "callback-active"
)

// Signer mints callback tokens. The gateway itself never signs; this lives
// here so tests and the data store side share one implementation.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	kid    string
}

// SignerOptions configures callback token signing.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSignerWithOptions loads the RSA private key and returns a signer.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("callback signer issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("callback signer private key path is required")
	}
	key, err := readRSAPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load callback signing key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, kid: kid}, nil
}

// Sign mints a token addressed to the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("callback token audience is required")
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        newTokenID(),
	})
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// Verifier checks callback tokens before the gateway accepts a change
// event over HTTP. Signature, lifetime, audience, and issuer must all
// hold; a forged or replay-stale callback is refused before any fan-out.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

// VerifierOptions configures callback token verification.
type VerifierOptions struct {
	PublicKeyPath  string
	DefaultKeyID   string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewVerifierWithOptions loads the RSA public key and returns a verifier.
func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("callback verifier audience is required")
	}
	issuers := make(map[string]struct{})
	for _, raw := range opts.AllowedIssuers {
		if issuer := strings.TrimSpace(raw); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("callback verifier needs at least one allowed issuer")
	}
	path := strings.TrimSpace(opts.PublicKeyPath)
	if path == "" {
		return nil, errors.New("callback verifier public key path is required")
	}
	pub, err := readRSAPublicKey(path)
	if err != nil {
		return nil, fmt.Errorf("load callback verify key: %w", err)
	}
	kid := strings.TrimSpace(opts.DefaultKeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		audience: audience,
		issuers:  issuers,
		leeway:   leeway,
		keys:     map[string]*rsa.PublicKey{kid: pub},
	}, nil
}

// Verify checks the token and returns its claims.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	if token = strings.TrimSpace(token); token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyForToken,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("subject required")
	}
	return claims, nil
}

func (v *Verifier) keyForToken(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return pub, nil
}

// BearerToken pulls the bearer credential out of the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

func newTokenID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func readRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

func readRSAPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not rsa")
	}
	return pub, nil
}

func readPEMBlock(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	return block, nil
}
