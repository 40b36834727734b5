// Package auth verifies bearer tokens for the board services. Production tokens are RS256
// signed and checked against the Auth0 JWKS; test mode accepts HS256 tokens signed with a
// shared secret.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultKeyCacheTTL = 15 * time.Minute
	clockLeeway        = time.Minute

	envTestMode    = "AUTH0_TEST_MODE"
	envTestSecret  = "TEST_JWT_SECRET"
	envKeyCacheTTL = "JWKS_CACHE_TTL"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

// Authenticator is implemented by types able to resolve the actor behind a request.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Auth validates incoming JWT tokens.
type Auth struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuer     string
	testSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// New creates an Auth backed by jwks. When AUTH0_TEST_MODE=1 the JWKS is ignored and tokens
// are verified with TEST_JWT_SECRET.
func New(jwks *keyfunc.JWKS, audience, issuer string) (*Auth, error) {
	a := &Auth{jwks: jwks, audience: audience, issuer: issuer, keyCacheTTL: defaultKeyCacheTTL}
	if raw := os.Getenv(envKeyCacheTTL); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid %s %q", envKeyCacheTTL, raw)
		}
		a.keyCacheTTL = ttl
	}
	if os.Getenv(envTestMode) == "1" {
		secret := os.Getenv(envTestSecret)
		if secret == "" {
			return nil, fmt.Errorf("%s must be set when %s=1", envTestSecret, envTestMode)
		}
		return NewHS256([]byte(secret)), nil
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	return a, nil
}

// FromEnv builds the verifier both services use: test mode when AUTH0_TEST_MODE=1,
// otherwise the JWKS published for AUTH0_DOMAIN.
func FromEnv() (*Auth, error) {
	if TestMode() {
		return New(nil, "", "")
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return New(jwks, audience, "https://"+domain+"/")
}

// NewHS256 returns an Auth accepting tokens signed with secret. Used by test mode and tests.
func NewHS256(secret []byte) *Auth {
	return &Auth{
		testSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
	}
}

// TestMode reports whether the shared-secret verifier is active.
func TestMode() bool { return os.Getenv(envTestMode) == "1" }

// UserIDFromAuthHeader extracts the subject from an "Authorization: Bearer <jwt>" value.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := BearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(token)
}

// UserIDFromToken verifies a raw JWT and returns its subject.
func (a *Auth) UserIDFromToken(raw string) (string, error) {
	parsed, err := a.parser.Parse(raw, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// Time claims are checked here, with leeway, instead of in the parser.
	now := time.Now()
	if !claims.VerifyExpiresAt(now.Add(-clockLeeway).Unix(), true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(clockLeeway).Unix(), false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.testSecret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.testSecret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// BearerToken strips the Bearer prefix and checks the token has three segments.
func BearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", ErrMissingAuthorization
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || scheme != "Bearer" {
		return "", ErrBadAuthorization
	}
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}

// Sign mints an HS256 token for userID. Used by tools/gen-token and tests.
func Sign(secret []byte, userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
