package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestClientAssertionSource(t *testing.T) {
	key, pemBytes := testKey(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, assertionType, r.PostForm.Get("client_assertion_type"))

		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			assert.Equal(t, "key-1", tok.Header["kid"])
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodRS512.Alg()}))
		require.NoError(t, err)
		assert.True(t, parsed.Valid)
		assert.Equal(t, "client-1", claims.Issuer)
		assert.Equal(t, "client-1", claims.Subject)
		assert.NotEmpty(t, claims.ID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "token-abc", "expires_in": "599", "token_type": "Bearer"}`))
	}))
	defer server.Close()

	source, err := NewClientAssertionSource(ClientAssertionConfig{
		TokenURL:   server.URL,
		ClientID:   "client-1",
		KeyID:      "key-1",
		PrivateKey: pemBytes,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)

	token, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientAssertionSourceRejected(t *testing.T) {
	_, pemBytes := testKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid_client"}`))
	}))
	defer server.Close()

	source, err := NewClientAssertionSource(ClientAssertionConfig{
		TokenURL:   server.URL,
		ClientID:   "client-1",
		PrivateKey: pemBytes,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = source.Token(context.Background())
	assert.ErrorContains(t, err, "status 401")
}

func TestInvalidKey(t *testing.T) {
	_, err := NewClientAssertionSource(ClientAssertionConfig{PrivateKey: []byte("not a key")}, slog.Default())
	assert.Error(t, err)
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("dev").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev", token)

	_, err = StaticToken("").Token(context.Background())
	assert.Error(t, err)
}
