package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/leave-ledger/leave"
)

// Claims identify the caller. Tokens are minted by the identity collaborator
// (or cmd/token in development) and signed with the shared HS256 secret.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func GenerateToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type ctxKey int

const callerKey ctxKey = iota

// Authenticate rejects requests without a valid bearer token and stores the
// caller in the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			claims, err := ParseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", err)
				return
			}
			role, err := leave.ParseRole(claims.Role)
			if err != nil || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "token carries no usable identity", err)
				return
			}
			caller := leave.Caller{ID: claims.UserID, Role: role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

// bearerToken reads the Authorization header. EventSource cannot set headers,
// so the events stream also accepts ?access_token=.
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("access_token")
}

// CallerFrom returns the authenticated caller.
func CallerFrom(ctx context.Context) (leave.Caller, bool) {
	c, ok := ctx.Value(callerKey).(leave.Caller)
	return c, ok
}
