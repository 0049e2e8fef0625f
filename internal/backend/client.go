package backend

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantlab-io/backtest/internal/config"
	"github.com/quantlab-io/backtest/internal/domain"
)

// Row is one record returned by the data service.
type Row = map[string]any

// maxErrorBodyChars bounds how much of a failed response body is preserved
// in the classified error text.
const maxErrorBodyChars = 300

// logWriteTimeout caps how long a best-effort log write may take. Logging
// must never become the slowest path in the system.
const logWriteTimeout = 5 * time.Second

// Client is the remote client for the backing service. Its read cache is
// private and unsynchronized: a Client must not be shared across worker-pool
// boundaries. Workers construct their own instance.
type Client struct {
	api        config.APIConfig
	httpClient *http.Client
	dbURL      string
	db         *sql.DB
	cache      *lruCache
	logger     *slog.Logger
}

// New creates a Client for the given API settings and optional direct
// database URL (empty disables the direct SQL surface).
func New(api config.APIConfig, dbURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !api.TrustProxyEnv {
		transport.Proxy = nil
	}

	return &Client{
		api:        api,
		httpClient: &http.Client{Transport: transport},
		dbURL:      dbURL,
		cache:      newLRUCache(cacheCapacity),
		logger:     log.With(slog.String("component", "backend")),
	}
}

// Close releases the direct database connection, if one was opened.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// cleanFailureText strips newlines and truncates a failure body so the
// classified error stays a single diagnosable line.
func cleanFailureText(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) > maxErrorBodyChars {
		s = s[:maxErrorBodyChars]
	}
	return s
}

// request issues one HTTP call and classifies failures: transport errors and
// 5xx responses are retryable NetworkErrors, 4xx responses are non-retryable
// ModuleErrors. The response body is returned on success.
func (c *Client) request(ctx context.Context, method, rawURL string, query url.Values, body any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.api.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.ModuleError(fmt.Sprintf("%s %s -> encode request: %v", method, rawURL, err), err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	fullURL := rawURL
	if len(query) > 0 {
		fullURL = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, domain.ModuleError(fmt.Sprintf("%s %s -> build request: %v", method, rawURL, err), err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.api.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.api.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		msg := cleanFailureText(fmt.Sprintf("%s %s -> %v", method, rawURL, err))
		return nil, domain.NetworkError(msg, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("%s %s -> HTTP %d", method, rawURL, resp.StatusCode)
		if text := cleanFailureText(string(respBody)); text != "" {
			msg = fmt.Sprintf("%s (%s)", msg, text)
		}
		// 4xx are usually auth/config/user errors: don't retry.
		if resp.StatusCode < 500 {
			return nil, domain.ModuleError(msg, nil)
		}
		return nil, domain.NetworkError(msg, nil)
	}

	if readErr != nil {
		msg := cleanFailureText(fmt.Sprintf("%s %s -> read response: %v", method, rawURL, readErr))
		return nil, domain.NetworkError(msg, readErr)
	}
	return respBody, nil
}

// dataEnvelope is the JSON shape of every read endpoint.
type dataEnvelope struct {
	Data []Row `json:"data"`
}

// writeEnvelope is the JSON shape of every write endpoint.
type writeEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	ID      int64  `json:"id,omitempty"`
}

func rangeQuery(start, end string, limit *int) url.Values {
	q := url.Values{}
	if start != "" {
		q.Set("start_date", start)
	}
	if end != "" {
		q.Set("end_date", end)
	}
	if limit != nil {
		q.Set("limit", strconv.Itoa(*limit))
	}
	return q
}

func (c *Client) readRows(ctx context.Context, rawURL string, query url.Values) ([]Row, error) {
	body, err := c.request(ctx, http.MethodGet, rawURL, query, nil, 0)
	if err != nil {
		return nil, err
	}
	var envelope dataEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.ModuleError(fmt.Sprintf("GET %s -> decode response: %v", rawURL, err), err)
	}
	return envelope.Data, nil
}

// FetchDaily reads daily series rows for a list of symbols over a date range.
func (c *Client) FetchDaily(ctx context.Context, symbols []string, start, end string, limit *int) ([]Row, error) {
	q := rangeQuery(start, end, limit)
	q.Set("symbols", strings.Join(symbols, ","))
	return c.readRows(ctx, c.api.ReadURL+"/api/futures/daily", q)
}

// FetchSymbolDaily reads daily series rows for a single symbol.
func (c *Client) FetchSymbolDaily(ctx context.Context, symbol, start, end string, limit *int) ([]Row, error) {
	return c.readRows(ctx, c.api.ReadURL+"/api/data/daily/"+url.PathEscape(symbol), rangeQuery(start, end, limit))
}

// FetchContinuous reads continuous/rolled series rows for a base symbol.
//
// Results are cached by the exact request key (LRU, capacity 64); a cache hit
// returns without a network call. When a full-range read fails with a
// timeout-rooted NetworkError and both dates were supplied, the client
// transparently degrades to chunked fetching (see fetchContinuousChunked)
// before giving up.
func (c *Client) FetchContinuous(ctx context.Context, base, start, end string, limit *int) ([]Row, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	key := newCacheKey(base, start, end, limit)
	if rows, ok := c.cache.get(key); ok {
		return rows, nil
	}

	rows, err := c.fetchContinuousOnce(ctx, base, start, end, limit)
	if err != nil {
		kind, _ := domain.KindOf(err)
		if kind == domain.KindNetwork && domain.IsTimeout(err) && start != "" && end != "" {
			c.logger.Warn("continuous fetch timed out, falling back to chunked range",
				slog.String("symbol", base),
				slog.String("start", start),
				slog.String("end", end))
			rows, err = c.fetchContinuousChunked(ctx, base, start, end, limit, defaultChunkDays)
		}
		if err != nil {
			return nil, err
		}
	}

	c.cache.put(key, rows)
	return rows, nil
}

func (c *Client) fetchContinuousOnce(ctx context.Context, base, start, end string, limit *int) ([]Row, error) {
	return c.readRows(ctx, c.api.ReadURL+"/api/continuous/"+url.PathEscape(base), rangeQuery(start, end, limit))
}

func (c *Client) writeJSON(ctx context.Context, rawURL string, payload any, timeout time.Duration) (*writeEnvelope, error) {
	body, err := c.request(ctx, http.MethodPost, rawURL, nil, payload, timeout)
	if err != nil {
		return nil, err
	}
	var envelope writeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.ModuleError(fmt.Sprintf("POST %s -> decode response: %v", rawURL, err), err)
	}
	return &envelope, nil
}

// WriteLog appends an audit log entry via the write API. The call uses a
// short timeout (min of 5s and the configured API timeout) and a non-success
// response body is reported but never returned as an error; only transport
// and HTTP failures propagate.
func (c *Client) WriteLog(ctx context.Context, entry domain.LogEntry) (bool, error) {
	timeout := logWriteTimeout
	if api := c.api.Timeout(); api < timeout {
		timeout = api
	}

	envelope, err := c.writeJSON(ctx, c.api.WriteURL+"/api/backtest/log", entry, timeout)
	if err != nil {
		return false, err
	}
	if !envelope.Success {
		c.logger.Warn("log API reported failure", slog.String("error", envelope.Error))
	}
	return envelope.Success, nil
}

// CreateTask creates a task record via the write API.
func (c *Client) CreateTask(ctx context.Context, payload map[string]any) (bool, error) {
	envelope, err := c.writeJSON(ctx, c.api.WriteURL+"/api/backtest/task", payload, 0)
	if err != nil {
		return false, err
	}
	if !envelope.Success {
		c.logger.Warn("task API reported failure", slog.String("error", envelope.Error))
	}
	return envelope.Success, nil
}

// WriteResult writes a task result via the write API and returns the
// assigned record ID (0 when the API reports failure).
func (c *Client) WriteResult(ctx context.Context, payload map[string]any) (int64, error) {
	envelope, err := c.writeJSON(ctx, c.api.WriteURL+"/api/backtest/result", payload, 0)
	if err != nil {
		return 0, err
	}
	if !envelope.Success {
		c.logger.Warn("result API reported failure", slog.String("error", envelope.Error))
		return 0, nil
	}
	return envelope.ID, nil
}
