package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/paygate/pkg/api"
)

// Issuer is the iss claim of caller tokens.
const Issuer = "paygate-auth"

// Claims are the caller token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator checks HS256 caller tokens.
type JWTValidator struct {
	secret []byte
	clock  func() time.Time
}

func NewJWTValidator(secret []byte) (*JWTValidator, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}
	return &JWTValidator{secret: append([]byte(nil), secret...), clock: time.Now}, nil
}

// WithClock overrides clock for testing.
func (v *JWTValidator) WithClock(clock func() time.Time) *JWTValidator {
	v.clock = clock
	return v
}

// Validate parses tok and returns its principal.
func (v *JWTValidator) Validate(tok string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token subject is required")
	}
	return Principal{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token for subject valid for ttl.
func (v *JWTValidator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// MiddlewareOptions controls which requests may skip authentication.
type MiddlewareOptions struct {
	// PublicPaths never require a token.
	PublicPaths []string
	// Optional lets requests without an Authorization header through anonymously. A header
	// that is present must still be valid.
	Optional bool
}

// NewMiddleware authenticates bearer tokens. A nil validator rejects every non-public request.
func NewMiddleware(v *JWTValidator, opts MiddlewareOptions) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(opts.PublicPaths))
	for _, p := range opts.PublicPaths {
		public[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" && opts.Optional {
				next.ServeHTTP(w, r)
				return
			}
			if header == "" {
				api.WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			tok, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tok == "" {
				api.WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if v == nil {
				api.WriteUnauthorized(w, r, "Authentication not configured")
				return
			}
			p, err := v.Validate(tok)
			if err != nil {
				api.WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
