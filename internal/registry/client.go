package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const resourceType = "Immunization"

var ErrLookupFailed = errors.New("identifier lookup failed")

// RequestMeta is carried on every registry request as headers.
type RequestMeta struct {
	Supplier       string
	CorrelationID  string
	IdempotencyKey string
}

func (m RequestMeta) headers() http.Header {
	h := http.Header{}
	if m.Supplier != "" {
		h.Set("SupplierSystem", "Imms-Batch-App")
		h.Set("BatchSupplierSystem", m.Supplier)
	}
	if m.CorrelationID != "" {
		h.Set("X-Correlation-ID", m.CorrelationID)
	}
	if m.IdempotencyKey != "" {
		h.Set("X-Idempotency-Key", m.IdempotencyKey)
	}
	return h
}

// Response is the registry's answer to a write. A Response is returned for
// every request that reached the registry, whatever its status.
type Response struct {
	StatusCode  int
	Diagnostics string
}

// Match is one resource found by an identifier search.
type Match struct {
	ID      string
	Version string
}

type Client struct {
	fhir   fhirclient.Client
	logger *slog.Logger
}

// New builds a registry client. httpClient is expected to attach the bearer
// token, see NewHTTPClient.
func New(baseURL *url.URL, httpClient fhirclient.HttpRequestDoer, logger *slog.Logger) *Client {
	cfg := fhirclient.DefaultConfig()
	cfg.UsePostSearch = false
	cfg.Non2xxStatusHandler = func(response *http.Response, body []byte) {
		logger.Debug("registry returned non-2xx status",
			"method", response.Request.Method,
			"url", response.Request.URL.String(),
			"status", response.StatusCode,
			"body", string(body),
		)
	}
	return &Client{
		fhir:   fhirclient.New(baseURL, httpClient, &cfg),
		logger: logger,
	}
}

func (c *Client) Create(ctx context.Context, resource json.RawMessage, meta RequestMeta) (Response, error) {
	return c.write(func(opts ...fhirclient.Option) error {
		return c.fhir.CreateWithContext(ctx, []byte(resource), nil, opts...)
	}, meta.headers())
}

// Update replaces the resource with id, asserting version through the
// E-Tag header.
func (c *Client) Update(ctx context.Context, id, version string, resource json.RawMessage, meta RequestMeta) (Response, error) {
	withID, err := setID(resource, id)
	if err != nil {
		return Response{}, err
	}
	headers := meta.headers()
	headers.Set("E-Tag", version)
	return c.write(func(opts ...fhirclient.Option) error {
		return c.fhir.UpdateWithContext(ctx, resourceType+"/"+id, withID, nil, opts...)
	}, headers)
}

func (c *Client) Delete(ctx context.Context, id string, meta RequestMeta) (Response, error) {
	return c.write(func(opts ...fhirclient.Option) error {
		return c.fhir.DeleteWithContext(ctx, resourceType+"/"+id, opts...)
	}, meta.headers())
}

func (c *Client) write(call func(opts ...fhirclient.Option) error, headers http.Header) (Response, error) {
	var status int
	err := call(fhirclient.RequestHeaders(headers), fhirclient.ResponseStatusCode(&status))
	if status == 0 {
		if err == nil {
			err = errors.New("no response from registry")
		}
		return Response{}, err
	}
	resp := Response{StatusCode: status}
	if err != nil {
		resp.Diagnostics = diagnostics(err)
	}
	return resp, nil
}

// Lookup searches the registry for resources carrying the identifier
// system|value and returns their ids and versions.
func (c *Client) Lookup(ctx context.Context, system, value string, meta RequestMeta) ([]Match, error) {
	query := url.Values{}
	query.Set("identifier", system+"|"+value)
	query.Set("_elements", "id,meta")

	var bundle fhir.Bundle
	var status int
	err := c.fhir.SearchWithContext(ctx, resourceType, query, &bundle,
		fhirclient.RequestHeaders(meta.headers()),
		fhirclient.ResponseStatusCode(&status),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailed, status)
	}

	matches := make([]Match, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var found struct {
			ResourceType string     `json:"resourceType"`
			ID           *string    `json:"id"`
			Meta         *fhir.Meta `json:"meta"`
		}
		if err := json.Unmarshal(entry.Resource, &found); err != nil {
			return nil, fmt.Errorf("%w: decode entry: %v", ErrLookupFailed, err)
		}
		if found.ResourceType != resourceType || found.ID == nil {
			continue
		}
		m := Match{ID: *found.ID}
		if found.Meta != nil && found.Meta.VersionId != nil {
			m.Version = *found.Meta.VersionId
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// diagnostics flattens an OperationOutcome into one line. Errors that do
// not carry an OperationOutcome yield an empty string.
func diagnostics(err error) string {
	var outcome fhirclient.OperationOutcomeError
	if !errors.As(err, &outcome) {
		return ""
	}
	var parts []string
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != nil && *issue.Diagnostics != "" {
			parts = append(parts, *issue.Diagnostics)
		}
	}
	return strings.Join(parts, "; ")
}

func setID(resource json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resource, &fields); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = encoded
	return json.Marshal(fields)
}
