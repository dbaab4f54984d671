package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4096
	headerAuthorize  = "Authorization"
	headerContent    = "Content-Type"
	contentTypeJSON  = "application/json"
	bearerPrefix     = "Bearer "
)

var (
	errMissingBaseURL = errors.New("backend base url is required")
	noOpLogger        = zap.NewNop()
)

// HTTPError is returned for non-2xx responses. It exposes the status code so sync
// failures can be reported with it.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Code   string
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d (%s)", e.Method, e.Path, e.Status, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// StatusCode returns the HTTP status of the failed response.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

type ClientConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the claims backend over JSON HTTP. It implements
// deltasync.BackendClient and deltasync.FetchClient.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

var (
	_ deltasync.BackendClient = (*Client)(nil)
	_ deltasync.FetchClient   = (*Client)(nil)
)

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type recordsResponse struct {
	Records []deltasync.Record `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) CreateMember(ctx context.Context, member deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPost, "/members", member)
}

func (c *Client) UpdateMember(ctx context.Context, member deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPatch, "/members/"+url.PathEscape(member.ID()), member)
}

func (c *Client) CreateIdentificationEvent(ctx context.Context, providerID string, event deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPost, providerPath(providerID, "identification_events"), event)
}

func (c *Client) UpdateIdentificationEvent(ctx context.Context, event deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPatch, "/identification_events/"+url.PathEscape(event.ID()), event)
}

func (c *Client) CreateEncounter(ctx context.Context, providerID string, encounter deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPost, providerPath(providerID, "encounters"), encounter)
}

func (c *Client) UpdateEncounter(ctx context.Context, encounter deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPatch, "/encounters/"+url.PathEscape(encounter.ID()), encounter)
}

func (c *Client) CreatePriceSchedule(ctx context.Context, providerID string, schedule deltasync.Record) (deltasync.Record, error) {
	return c.send(ctx, http.MethodPost, providerPath(providerID, "price_schedules"), schedule)
}

// FetchOpenIdentificationEvents returns the provider's open identification events with
// member and encounter embedded.
func (c *Client) FetchOpenIdentificationEvents(ctx context.Context, providerID string) ([]deltasync.Record, error) {
	return c.fetch(ctx, providerPath(providerID, "identification_events/open"))
}

// FetchEncounters returns the provider's encounters.
func (c *Client) FetchEncounters(ctx context.Context, providerID string) ([]deltasync.Record, error) {
	return c.fetch(ctx, providerPath(providerID, "encounters"))
}

func (c *Client) send(ctx context.Context, method, path string, record deltasync.Record) (deltasync.Record, error) {
	var canonical deltasync.Record
	if err := c.do(ctx, method, path, record, &canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]deltasync.Record, error) {
	var response recordsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	if response.Records == nil {
		return []deltasync.Record{}, nil
	}
	return response.Records, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	traced := httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			deltasync.MarkIssued(ctx)
		},
	})
	request, err := http.NewRequestWithContext(traced, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		request.Header.Set(headerContent, contentTypeJSON)
	}
	if c.accessToken != "" {
		request.Header.Set(headerAuthorize, bearerPrefix+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		httpErr := &HTTPError{Method: method, Path: path, Status: response.StatusCode, Body: string(raw)}
		var decoded errorResponse
		if json.Unmarshal(raw, &decoded) == nil {
			httpErr.Code = decoded.Code
		}
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return httpErr
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func providerPath(providerID, resource string) string {
	return "/providers/" + url.PathEscape(providerID) + "/" + resource
}
