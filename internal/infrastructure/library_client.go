package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// LibraryClient reads the remote paged library listing over HTTP.
//
// Listings live at {base}/{type}s?offset=N&limit=M and answer
// {"total": N, "items": [...]}, ordered by ascending id.
type LibraryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type listingResponse struct {
	Total int                   `json:"total"`
	Items []domain.RemoteEntity `json:"items"`
}

// NewLibraryClient creates a client for the configured remote server
func NewLibraryClient(config domain.RemoteConfig, logger *zap.Logger) *LibraryClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LibraryClient{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "library_client")),
	}
}

// Count returns the total number of records of type t
func (c *LibraryClient) Count(ctx context.Context, t domain.EntityType) (int, error) {
	resp, err := c.list(ctx, t, 0, 0)
	if err != nil {
		return 0, err
	}
	return resp.Total, nil
}

// ListPage returns up to limit records of type t starting at offset
func (c *LibraryClient) ListPage(ctx context.Context, t domain.EntityType, offset, limit int) ([]domain.RemoteEntity, error) {
	resp, err := c.list(ctx, t, offset, limit)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched library page",
		zap.String("type", string(t)),
		zap.Int("offset", offset),
		zap.Int("items", len(resp.Items)))
	return resp.Items, nil
}

func (c *LibraryClient) list(ctx context.Context, t domain.EntityType, offset, limit int) (*listingResponse, error) {
	if !domain.ValidateEntityType(t) {
		return nil, fmt.Errorf("unknown entity type: %s", t)
	}

	params := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	endpoint := fmt.Sprintf("%s/%ss?%s", c.baseURL, t, params.Encode())

	var resp listingResponse
	if err := c.doRequest(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("list %ss: %w", t, err)
	}
	return &resp, nil
}

func (c *LibraryClient) doRequest(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError turns a non-success response into a classified RemoteError
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return domain.NewHTTPError(resp.StatusCode, errors.New(msg))
}

func authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
