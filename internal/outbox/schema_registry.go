package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSchemaNotRegistered is returned when a subject does not hold the schema.
var ErrSchemaNotRegistered = errors.New("schema not registered")

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryError is a non-2xx Schema Registry response.
type RegistryError struct {
	Status  int
	Code    int
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Is matches ErrSchemaNotRegistered for 404 responses.
func (e *RegistryError) Is(target error) bool {
	return target == ErrSchemaNotRegistered && e.Status == http.StatusNotFound
}

// SchemaRegistryClient registers and looks up JSON schemas in Confluent Schema Registry.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
}

// RegistryOption configures a SchemaRegistryClient.
type RegistryOption func(*SchemaRegistryClient)

// WithRegistryHTTPClient replaces the HTTP client.
func WithRegistryHTTPClient(hc *http.Client) RegistryOption {
	return func(c *SchemaRegistryClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBasicAuth authenticates every request.
func WithBasicAuth(username, password string) RegistryOption {
	return func(c *SchemaRegistryClient) {
		c.username, c.password = username, password
	}
}

// NewSchemaRegistryClient constructs a client for the registry at baseURL.
func NewSchemaRegistryClient(baseURL string, opts ...RegistryOption) *SchemaRegistryClient {
	c := &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSchema returns the id of schema under subject, registering it when the subject does
// not hold it yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject, schema string) (int, error) {
	id, err := c.Lookup(ctx, subject, schema)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrSchemaNotRegistered) {
		return 0, err
	}
	return c.Register(ctx, subject, schema)
}

// Lookup returns the id of schema if subject already holds it.
func (c *SchemaRegistryClient) Lookup(ctx context.Context, subject, schema string) (int, error) {
	return c.post(ctx, "/subjects/"+url.PathEscape(subject), schema)
}

// Register adds schema as a new version of subject and returns its id.
func (c *SchemaRegistryClient) Register(ctx context.Context, subject, schema string) (int, error) {
	return c.post(ctx, "/subjects/"+url.PathEscape(subject)+"/versions", schema)
}

func (c *SchemaRegistryClient) post(ctx context.Context, path, schema string) (int, error) {
	body, err := json.Marshal(map[string]string{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", registryContentType)
	req.Header.Set("Accept", registryContentType)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		regErr := &RegistryError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			ErrorCode int    `json:"error_code"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.ErrorCode != 0 {
			regErr.Code, regErr.Message = payload.ErrorCode, payload.Message
		}
		return 0, regErr
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode schema registry response: %w", err)
	}
	if payload.ID <= 0 {
		return 0, errors.New("schema registry returned no schema id")
	}
	return payload.ID, nil
}
