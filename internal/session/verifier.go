package session

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"festival-live-backend/internal/model"
)

// ErrUnauthenticated is returned for every token that does not verify.
// Callers never learn which check failed.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims describes the session token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates self-contained session tokens signed with a shared secret.
// It holds no session state and performs no I/O.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithIssuer requires tokens to carry the given issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a verifier for the given signing secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature and expiry and returns the embedded identity.
func (v *Verifier) Verify(token string) (model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(v.secret) == 0 {
		return model.Anonymous, ErrUnauthenticated
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		return model.Anonymous, ErrUnauthenticated
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return model.Anonymous, ErrUnauthenticated
	}
	return model.Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// ResolveIdentity returns the token's identity, or model.Anonymous when the
// token is missing or invalid.
func (v *Verifier) ResolveIdentity(token string) model.Identity {
	identity, err := v.Verify(token)
	if err != nil {
		return model.Anonymous
	}
	return identity
}

// Sign issues a token for userID valid for ttl.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
