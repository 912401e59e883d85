package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type bearerTransport struct {
	tokens TokenSource
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("registry token: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns an http.Client that attaches a bearer token from
// tokens to every request.
func NewHTTPClient(tokens TokenSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &bearerTransport{tokens: tokens, base: http.DefaultTransport},
	}
}
