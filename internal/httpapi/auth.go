package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"immunisation-batch-exchange/internal/config"
)

// AuthMiddleware requires an HS256 bearer token from the configured issuer
// for the configured audience. With env "local" the literal token "dev" is
// accepted too.
func AuthMiddleware(env string, cfg config.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if env == "local" && strings.TrimSpace(r.Header.Get("Authorization")) == "Bearer dev" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := parseBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			claims := &jwt.RegisteredClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(cfg.Secret), nil
			})
			if err != nil || parsed == nil || !parsed.Valid {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			if err := validateClaims(claims, cfg); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(value string) (string, error) {
	if value == "" {
		return "", errors.New("missing auth")
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid auth")
	}
	if parts[1] == "" {
		return "", errors.New("missing token")
	}
	return parts[1], nil
}

func validateClaims(claims *jwt.RegisteredClaims, cfg config.JWTConfig) error {
	if claims == nil {
		return errors.New("missing claims")
	}
	if claims.Issuer != cfg.Issuer {
		return errors.New("invalid issuer")
	}
	if !slices.Contains(claims.Audience, cfg.Audience) {
		return errors.New("invalid audience")
	}
	return nil
}
