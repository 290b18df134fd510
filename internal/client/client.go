// Package client talks to the step API on behalf of a device. It implements
// domain.RecordStore so the reconciler can sync through it.
package client

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

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/leaderboard"
)

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("step api: unauthorized")

// APIError carries a non-2xx response.
type APIError struct {
	Status int
	Type   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("step api: %d %s: %s", e.Status, e.Type, e.Detail)
}

// Is maps 401 responses to ErrUnauthorized and 400 responses to domain.ErrInvalidRecord.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case domain.ErrInvalidRecord:
		return e.Status == http.StatusBadRequest
	}
	return false
}

// Client is a bearer-token HTTP client for the step API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpsertDailyRecord stores the record and returns the server's copy.
func (c *Client) UpsertDailyRecord(ctx context.Context, record domain.DailyStepRecord) (domain.DailyStepRecord, error) {
	var stored domain.DailyStepRecord
	if err := c.do(ctx, http.MethodPost, "/v1/steps", nil, record, &stored); err != nil {
		return domain.DailyStepRecord{}, err
	}
	return stored, nil
}

// FetchDailyRecord returns nil when the day has no record.
func (c *Client) FetchDailyRecord(ctx context.Context, userID string, date domain.Date) (*domain.DailyStepRecord, error) {
	query := url.Values{"user_id": {userID}, "date": {date.String()}}
	var record *domain.DailyStepRecord
	if err := c.do(ctx, http.MethodGet, "/v1/steps", query, nil, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// FetchRange returns the records in [start, end], newest first.
func (c *Client) FetchRange(ctx context.Context, userID string, start, end domain.Date) ([]domain.DailyStepRecord, error) {
	query := url.Values{"user_id": {userID}, "start_date": {start.String()}, "end_date": {end.String()}}
	var resp struct {
		Records []domain.DailyStepRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/steps", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// InsertActivitySession stores a session.
func (c *Client) InsertActivitySession(ctx context.Context, session domain.ActivitySession) (domain.ActivitySession, error) {
	var stored domain.ActivitySession
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, session, &stored); err != nil {
		return domain.ActivitySession{}, err
	}
	return stored, nil
}

// Leaderboard fetches the global board for period as seen by userID.
func (c *Client) Leaderboard(ctx context.Context, period, userID string) (leaderboard.Board, error) {
	query := url.Values{}
	if period != "" {
		query.Set("period", period)
	}
	if userID != "" {
		query.Set("user_id", userID)
	}
	var board leaderboard.Board
	if err := c.do(ctx, http.MethodGet, "/v1/leaderboard", query, nil, &board); err != nil {
		return leaderboard.Board{}, err
	}
	return board, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Type != "" {
			apiErr.Type, apiErr.Detail = payload.Type, payload.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
