package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// ErrInvalidToken is returned for a token that does not authenticate anybody.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims we issue and accept.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens. Tokens are HS256 JWTs carrying the user's
// email. In test mode a token of the form "email:user@example.com" is accepted as is.
type Verifier struct {
	secret   []byte
	testMode bool
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string, testMode bool) *Verifier {
	return &Verifier{secret: []byte(secret), testMode: testMode}
}

// IssueToken signs a token for email that expires after ttl.
func (v *Verifier) IssueToken(email string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ValidateToken validates the token and returns the user's email.
func (v *Verifier) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	if v.testMode && strings.HasPrefix(token, "email:") {
		email := strings.TrimPrefix(token, "email:")
		if email == "" {
			return "", fmt.Errorf("%w: token is empty", ErrInvalidToken)
		}
		return email, nil
	}

	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("%w: token has no email", ErrInvalidToken)
	}
	return claims.Email, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
// The scheme is case-insensitive per RFC 7235.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// RequireAuth middleware checks for a valid bearer token in the Authorization header
// and stores the user's email in the request context. Returns 401 Unauthorized if
// authentication fails.
func (v *Verifier) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			log.Println("Auth: Missing or malformed Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userEmail, err := v.ValidateToken(token)
		if err != nil {
			log.Printf("Auth: Token validation failed: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), userEmail)))
	})
}

// WithUserEmail returns a context carrying the authenticated user's email.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
