package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var (
	ErrMissingToken = errors.New("authorization header required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type contextKey string

const operatorKey contextKey = "operator"

// Claims represents operator JWT claims
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role,omitempty"`
	jwt.StandardClaims
}

// OperatorAuth issues and validates operator bearer tokens
type OperatorAuth struct {
	secret []byte
	now    func() time.Time
}

// NewOperatorAuth creates an HS256 authenticator
func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secret: []byte(secret), now: time.Now}
}

// GenerateToken creates a signed token for an operator
func (a *OperatorAuth) GenerateToken(operator, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		Operator: operator,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			Subject:   operator,
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    "telemetry-alerts",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses a token and checks its signature and expiry
func (a *OperatorAuth) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: operator secret not configured", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// operator claims in the request context.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, ErrMissingToken)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, errors.New("invalid authorization format"))
			return
		}

		claims, err := a.ValidateToken(parts[1])
		if err != nil {
			unauthorized(w, ErrInvalidToken)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorFromContext returns the claims stored by Middleware
func OperatorFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(operatorKey).(*Claims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": err.Error()})
}
