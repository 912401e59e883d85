package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	baseURL, err := url.Parse(server.URL + "/fhir")
	require.NoError(t, err)
	return New(baseURL, NewHTTPClient(staticTokens("token-1"), 5*time.Second), slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

var meta = RequestMeta{Supplier: "EMIS", CorrelationID: "file-1^1", IdempotencyKey: "key-1"}

const resource = `{"resourceType":"Immunization","status":"completed"}`

func TestCreate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fhir/Immunization", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "EMIS", r.Header.Get("BatchSupplierSystem"))
		assert.Equal(t, "file-1^1", r.Header.Get("X-Correlation-ID"))
		assert.Equal(t, "key-1", r.Header.Get("X-Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, resource, string(body))
		w.WriteHeader(http.StatusCreated)
	})

	resp, err := client.Create(context.Background(), json.RawMessage(resource), meta)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Diagnostics)
}

func TestCreateRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"duplicate","diagnostics":"The provided identifier is a duplicate"}]}`))
	})

	resp, err := client.Create(context.Background(), json.RawMessage(resource), meta)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "The provided identifier is a duplicate", resp.Diagnostics)
}

func TestUpdate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/fhir/Immunization/abc", r.URL.Path)
		assert.Equal(t, "2", r.Header.Get("E-Tag"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc", body["id"])
		w.WriteHeader(http.StatusOK)
	})

	resp, err := client.Update(context.Background(), "abc", "2", json.RawMessage(resource), meta)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/fhir/Immunization/abc", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := client.Delete(context.Background(), "abc", meta)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL, _ := url.Parse(server.URL)
	server.Close()
	client := New(baseURL, NewHTTPClient(staticTokens("t"), time.Second), slog.New(slog.NewJSONHandler(io.Discard, nil)))

	_, err := client.Delete(context.Background(), "abc", meta)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/fhir/Immunization", r.URL.Path)
		assert.Equal(t, "https://supplier/ids|A1", r.URL.Query().Get("identifier"))
		assert.Equal(t, "id,meta", r.URL.Query().Get("_elements"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"Immunization","id":"abc","meta":{"versionId":"3"}}},
			{"resource":{"resourceType":"OperationOutcome"}}
		]}`))
	})

	matches, err := client.Lookup(context.Background(), "https://supplier/ids", "A1", meta)
	require.NoError(t, err)
	assert.Equal(t, []Match{{ID: "abc", Version: "3"}}, matches)
}

func TestLookupFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Lookup(context.Background(), "https://supplier/ids", "A1", meta)
	assert.ErrorIs(t, err, ErrLookupFailed)
}
