// Package auth obtains access tokens for the immunisation registry.
//
// The registry uses the OAuth2 client-credentials grant with a signed JWT
// client assertion: a short-lived RS512 JWT identifying the client is
// exchanged at the token endpoint for a bearer token. Tokens are cached until
// shortly before they expire.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const (
	assertionType     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime = 5 * time.Minute
	expiryMargin      = 30 * time.Second
	tokenCacheKey     = "access_token"
	defaultTimeout    = 10 * time.Second
)

// TokenSource yields a bearer token for the registry.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, for local registries and tests.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("static token is empty")
	}
	return string(t), nil
}

type ClientAssertionConfig struct {
	TokenURL   string
	ClientID   string
	KeyID      string
	PrivateKey []byte
	Timeout    time.Duration
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type ClientAssertionSource struct {
	cfg    ClientAssertionConfig
	key    *rsa.PrivateKey
	http   *resty.Client
	cache  *ttlcache.Cache[string, string]
	logger *slog.Logger
	now    func() time.Time
}

func NewClientAssertionSource(cfg ClientAssertionConfig, logger *slog.Logger) (*ClientAssertionSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse registry signing key: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &ClientAssertionSource{
		cfg:    cfg,
		key:    key,
		http:   client,
		cache:  ttlcache.New[string, string](ttlcache.WithDisableTouchOnHit[string, string]()),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *ClientAssertionSource) Token(ctx context.Context) (string, error) {
	if item := s.cache.Get(tokenCacheKey); item != nil {
		return item.Value(), nil
	}

	assertion, err := s.assertion()
	if err != nil {
		return "", err
	}

	var result tokenResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":            "client_credentials",
			"client_assertion_type": assertionType,
			"client_assertion":      assertion,
		}).
		SetResult(&result).
		Post(s.cfg.TokenURL)
	if err != nil {
		return "", fmt.Errorf("request registry token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("request registry token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return "", errors.New("request registry token: empty access_token")
	}

	// Tokens without a usable expiry are not cached.
	if seconds, err := result.ExpiresIn.Int64(); err == nil && time.Duration(seconds)*time.Second > expiryMargin {
		ttl := time.Duration(seconds)*time.Second - expiryMargin
		s.cache.Set(tokenCacheKey, result.AccessToken, ttl)
	}
	s.logger.Info("registry token refreshed", "expires_in", result.ExpiresIn.String())
	return result.AccessToken, nil
}

func (s *ClientAssertionSource) assertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	token.Header["kid"] = s.cfg.KeyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
