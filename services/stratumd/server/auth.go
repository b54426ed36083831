package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "stratumd"

var errMissingToken = errors.New("missing bearer token")

// requireAdmin verifies an HS256 bearer token carrying the admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			writeJSONError(w, http.StatusForbidden, errors.New("admin endpoints disabled"))
			return
		}
		raw, err := bearerToken(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			writeJSONError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// MintAdminToken issues a short-lived admin token signed with the shared
// secret. Operators use it from the CLI; tests use it directly.
func MintAdminToken(secret string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("admin secret is empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  tokenIssuer,
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
