// Package transport implements the client side of the library server
// protocol: delta listings, idempotent entity mutations, listening event
// ingestion, cover fetches, and token refresh. Every response travels in the
// versioned envelope; both documented error shapes normalize to APIError.
package transport

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

	"go.uber.org/zap"
)

const (
	envelopeVersion      = 1
	idempotencyKeyHeader = "Idempotency-Key"
	defaultTimeout       = 30 * time.Second
)

var (
	errMissingBaseURL = errors.New("base url is required")

	// ErrCoverMissing indicates the server has no cover for the book; per
	// protocol this is success-with-no-asset, never a sync failure.
	ErrCoverMissing = errors.New("transport: cover not available")
)

// TokenSource supplies the bearer token attached to authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientConfig wires the transport's collaborators.
type ClientConfig struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	Logger  *zap.Logger
}

// Client talks the library server protocol over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// NewClient validates configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// DeltaRecord is one server-side entity change. Data holds the domain fields
// (including the id) and decodes into the concrete entity model.
type DeltaRecord struct {
	ID          string          `json:"id"`
	UpdatedAtMS int64           `json:"updatedAt"`
	Data        json.RawMessage `json:"data"`
}

// DeltaPage is the server's answer to one delta request. Full is true when
// the listing is complete, which licenses the tombstone deletion pass.
type DeltaPage struct {
	Records []DeltaRecord `json:"records"`
	Cursor  string        `json:"cursor"`
	Full    bool          `json:"full"`
}

// FetchDelta requests the changes for one entity kind since the cursor.
// An empty cursor requests the full listing.
func (c *Client) FetchDelta(ctx context.Context, kind string, cursor string) (DeltaPage, error) {
	endpoint := fmt.Sprintf("%s/api/%s", c.baseURL, url.PathEscape(kind))
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}
	data, err := c.roundTrip(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return DeltaPage{}, err
	}
	var page DeltaPage
	if err := json.Unmarshal(data, &page); err != nil {
		return DeltaPage{}, networkError(fmt.Errorf("decode delta page: %w", err))
	}
	return page, nil
}

// PushResult is the server acknowledgment for one entity mutation.
type PushResult struct {
	ID          string `json:"id"`
	UpdatedAtMS int64  `json:"updatedAt"`
}

// CreateEntity sends a create with the given idempotency key.
func (c *Client) CreateEntity(ctx context.Context, kind string, idempotencyKey string, payload []byte) (PushResult, error) {
	endpoint := fmt.Sprintf("%s/api/%s", c.baseURL, url.PathEscape(kind))
	return c.pushEntity(ctx, http.MethodPost, endpoint, idempotencyKey, payload)
}

// UpdateEntity sends an update with the given idempotency key.
func (c *Client) UpdateEntity(ctx context.Context, kind string, entityID string, idempotencyKey string, payload []byte) (PushResult, error) {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(kind), url.PathEscape(entityID))
	return c.pushEntity(ctx, http.MethodPut, endpoint, idempotencyKey, payload)
}

// DeleteEntity sends a delete with the given idempotency key.
func (c *Client) DeleteEntity(ctx context.Context, kind string, entityID string, idempotencyKey string) (PushResult, error) {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, url.PathEscape(kind), url.PathEscape(entityID))
	return c.pushEntity(ctx, http.MethodDelete, endpoint, idempotencyKey, nil)
}

func (c *Client) pushEntity(ctx context.Context, method, endpoint, idempotencyKey string, payload []byte) (PushResult, error) {
	data, err := c.roundTrip(ctx, method, endpoint, payload, idempotencyKey)
	if err != nil {
		return PushResult{}, err
	}
	var result PushResult
	if err := json.Unmarshal(data, &result); err != nil {
		return PushResult{}, networkError(fmt.Errorf("decode push result: %w", err))
	}
	return result, nil
}

// EventPayload is one listening event on the wire.
type EventPayload struct {
	EventID     string `json:"eventId"`
	BookID      string `json:"bookId"`
	DeviceID    string `json:"deviceId"`
	TimestampMS int64  `json:"timestamp"`
	PositionMS  int64  `json:"positionMs"`
}

// PushListeningEvents submits a batch of events and returns the accepted
// count. Duplicate event ids are a server-side no-op.
func (c *Client) PushListeningEvents(ctx context.Context, events []EventPayload) (int, error) {
	body, err := json.Marshal(struct {
		Events []EventPayload `json:"events"`
	}{Events: events})
	if err != nil {
		return 0, networkError(fmt.Errorf("encode events: %w", err))
	}
	data, err := c.roundTrip(ctx, http.MethodPost, c.baseURL+"/api/listening-events", body, "")
	if err != nil {
		return 0, err
	}
	var result struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, networkError(fmt.Errorf("decode event result: %w", err))
	}
	return result.Accepted, nil
}

// FetchCover downloads a book's cover image. A 404 returns ErrCoverMissing.
func (c *Client) FetchCover(ctx context.Context, bookID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/covers/%s", c.baseURL, url.PathEscape(bookID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, networkError(err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCoverMissing
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    "cover fetch failed",
		}
	}
	return io.ReadAll(resp.Body)
}

// RefreshResult is the server's answer to a token refresh.
type RefreshResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// RefreshToken exchanges a refresh token for a fresh access token. The
// request is unauthenticated by design.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (RefreshResult, error) {
	body, err := json.Marshal(struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refreshToken})
	if err != nil {
		return RefreshResult{}, networkError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return RefreshResult{}, networkError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return RefreshResult{}, networkError(err)
	}
	defer resp.Body.Close()

	data, err := decodeEnvelope(resp)
	if err != nil {
		return RefreshResult{}, err
	}
	var result RefreshResult
	if err := json.Unmarshal(data, &result); err != nil {
		return RefreshResult{}, networkError(fmt.Errorf("decode refresh result: %w", err))
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload []byte, idempotencyKey string) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, networkError(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &APIError{Kind: KindAuth, Message: "token acquisition failed", cause: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// envelope is the fixed wire wrapper. Success responses carry data; failures
// arrive as either {success:false, error} or {code, message, details}.
type envelope struct {
	V       int             `json:"v"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

func decodeEnvelope(resp *http.Response) (json.RawMessage, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(fmt.Errorf("read response: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	failed := resp.StatusCode >= 400 ||
		(decodeErr == nil && env.Success != nil && !*env.Success)
	if failed {
		apiErr := &APIError{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
		if decodeErr == nil {
			apiErr.Code = env.Code
			switch {
			case env.Message != "":
				apiErr.Message = env.Message
			case env.Error != "":
				apiErr.Message = env.Error
			default:
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode < 400 {
			// Envelope says failure even though HTTP says success.
			apiErr.Kind = KindServer
			apiErr.StatusCode = resp.StatusCode
		}
		return nil, apiErr
	}

	if decodeErr != nil {
		return nil, networkError(fmt.Errorf("decode envelope: %w", decodeErr))
	}
	if env.V != envelopeVersion {
		return nil, networkError(fmt.Errorf("unsupported envelope version %d", env.V))
	}
	return env.Data, nil
}
