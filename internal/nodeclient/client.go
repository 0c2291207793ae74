// Package nodeclient calls back into a node's public URL.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/g960059/hivesync/internal/api"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/security"
)

const (
	backfillPath          = "/v1/backfill"
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 64 * 1024
)

var ErrNoPublicURL = errors.New("node has no public url")

type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// Rate is requests per second per node. Zero disables limiting.
	Rate  float64
	Burst int
}

type Client struct {
	client         *http.Client
	requestTimeout time.Duration
	limit          rate.Limit
	burst          int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		client:         client,
		requestTimeout: timeout,
		limit:          limit,
		burst:          burst,
		limiters:       map[string]*rate.Limiter{},
	}
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	}
	if message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// SendBackfill asks a node to resend full data for attempts, tagged with the
// request id. It waits on the node's limiter before dialing.
func (c *Client) SendBackfill(ctx context.Context, node model.Node, req model.BackfillRequest, attempts []model.NodeTaskAttempt) error {
	if node.PublicURL == nil || strings.TrimSpace(*node.PublicURL) == "" {
		return fmt.Errorf("send backfill to node %s: %w", node.ID, ErrNoPublicURL)
	}
	body := api.NodeBackfillRequest{
		RequestID: req.RequestID,
		Attempts:  make([]api.NodeBackfillAttempt, 0, len(attempts)),
	}
	for _, a := range attempts {
		body.Attempts = append(body.Attempts, api.NodeBackfillAttempt{
			ID:           a.ID,
			SharedTaskID: a.SharedTaskID,
			Executor:     a.Executor,
			Branch:       a.Branch,
		})
	}
	if err := c.limiter(node.ID).Wait(ctx); err != nil {
		return fmt.Errorf("wait for node %s rate limit: %w", node.ID, err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(*node.PublicURL), "/") + backfillPath
	if _, err := c.request(ctx, http.MethodPost, endpoint, body); err != nil {
		return fmt.Errorf("send backfill to node %s: %w", node.ID, err)
	}
	return nil
}

func (c *Client) limiter(nodeID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[nodeID] = l
	}
	return l
}

func (c *Client) request(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	reqCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.requestTimeout {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    security.RedactForLog(er.Error.Message, 0),
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    security.RedactForLog(string(payload), 0),
		}
	}
	return payload, nil
}
