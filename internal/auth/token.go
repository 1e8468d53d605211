// Package auth resolves the identity attached to a connection. Clients may
// present an HS256 JWT whose subject is their user id; connections without
// a token are anonymous.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer is the iss claim on tokens issued and accepted by this service.
	Issuer = "colmate"
	// AnonymousTTL is the lifetime of tokens minted by HandleAnonymous.
	AnonymousTTL = 72 * time.Hour
)

var (
	ErrNoSecret     = errors.New("auth: no signing secret configured")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSubject    = errors.New("auth: token has no subject")
)

// Claims is the JWT payload. The user id travels in the standard sub claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier signs and validates identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given HMAC secret. An empty secret
// disables authentication: every connection is anonymous.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens can be verified.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Issue creates a signed token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token's signature, expiry and issuer, and returns
// the user id it carries.
func (v *Verifier) Verify(token string) (string, error) {
	if !v.Enabled() {
		return "", ErrNoSecret
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// Identify returns the user id for an upgrade request, or "" for an
// anonymous connection. A present but invalid token is reported as an error
// so the caller can log it; the connection is still allowed as anonymous.
func (v *Verifier) Identify(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" || !v.Enabled() {
		return "", nil
	}
	return v.Verify(token)
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter. Browsers cannot set headers on a WebSocket
// handshake, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// AnonymousToken is the HandleAnonymous response body.
type AnonymousToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAnonymous mints a token for a fresh random user id, giving a
// client a stable identity across reconnects without an account.
func (v *Verifier) HandleAnonymous(c *gin.Context) {
	if !v.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "token issuing is disabled"})
		return
	}

	userID := uuid.NewString()
	token, err := v.Issue(userID, AnonymousTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	c.JSON(http.StatusOK, AnonymousToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(AnonymousTTL).UTC().Truncate(time.Second),
	})
}
