// Package syncclient is the HTTP transport between medsync servers. It
// posts packed transmissions to a peer's /v1/sync endpoints.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
	"github.com/marcus/medsync/internal/version"
	"github.com/marcus/medsync/internal/wire"
)

// Endpoint paths served by internal/api.
const (
	ExchangePath = "/v1/sync/exchange"
	ConfirmPath  = "/v1/sync/confirm"
	HealthPath   = "/healthz"
)

// maxResponseBytes caps how much of a reply is read.
const maxResponseBytes = 64 << 20

// Client is an HTTP client for a peer's sync endpoints.
type Client struct {
	HTTP  *http.Client
	Retry RetryPolicy
	log   *slog.Logger
}

// New creates a client. retries < 0 keeps the default policy.
func New(timeout time.Duration, retries int, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	policy := DefaultRetryPolicy()
	if retries >= 0 {
		policy.MaxRetries = retries
	}
	return &Client{
		HTTP:  &http.Client{Timeout: timeout},
		Retry: policy,
		log:   log.With("component", "syncclient"),
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Nickname string `json:"nickname"`
	Version  string `json:"version"`
}

// apiError is the standard error body from the server.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send posts a transmission and returns the packed response. Requests are
// retried on network errors and 5xx replies; the receiving side applies
// records idempotently, so a retried delivery is harmless.
func (c *Client) Send(ctx context.Context, peer *models.Peer, payload []byte) ([]byte, error) {
	return c.post(ctx, peer, ExchangePath, payload)
}

// Confirm posts the response for records the peer embedded in its reply.
func (c *Client) Confirm(ctx context.Context, peer *models.Peer, payload []byte) error {
	_, err := c.post(ctx, peer, ConfirmPath, payload)
	return err
}

// HealthCheck hits the /healthz endpoint to verify a peer is reachable.
func (c *Client) HealthCheck(ctx context.Context, address string) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(address, "/")+HealthPath, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.InvalidArgument, err, "build health request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.TransportFailure, err, "reach %s", address)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.TransportFailure, err, "read health response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, syncerr.Wrap(syncerr.TransportFailure, err, "decode health response")
	}
	return &h, nil
}

func (c *Client) post(ctx context.Context, peer *models.Peer, path string, payload []byte) ([]byte, error) {
	if peer.Address == "" {
		return nil, syncerr.New(syncerr.InvalidArgument, "peer %s has no address; use the file channel", peer.Nickname)
	}
	url := peer.Address + path
	log := c.log.With("peer", peer.Nickname, "path", path)

	var out []byte
	attempt := 0
	err := Retry(ctx, c.Retry, func() error {
		attempt++
		body, err := c.do(ctx, url, peer.OutboundToken, payload)
		if err != nil {
			log.Debug("request failed", "attempt", attempt, "err", err)
			return err
		}
		out = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, url, token string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, permanent(syncerr.Wrap(syncerr.InvalidArgument, err, "build request"))
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("Accept", wire.ContentType)
	req.Header.Set("User-Agent", "medsync/"+version.Version)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, permanent(syncerr.Wrap(syncerr.TransportFailure, err, "request cancelled"))
		}
		return nil, syncerr.Wrap(syncerr.TransportFailure, err, "http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.TransportFailure, err, "read response")
	}

	switch {
	case resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, statusError(resp.StatusCode, body)
	default:
		return nil, permanent(statusError(resp.StatusCode, body))
	}
}

// statusError turns an error reply into a coded error. The peer's own code
// is kept when it sent one.
func statusError(status int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
		code := syncerr.Code(apiErr.Error.Code)
		switch {
		case status == http.StatusUnauthorized:
			code = syncerr.UnknownPeer
		case !knownCode(code):
			code = syncerr.TransportFailure
		}
		return syncerr.New(code, "peer replied %d: %s", status, apiErr.Error.Message).
			With("status", fmt.Sprint(status))
	}
	code := syncerr.TransportFailure
	if status == http.StatusUnauthorized {
		code = syncerr.UnknownPeer
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return syncerr.New(code, "peer replied %d: %s", status, text).With("status", fmt.Sprint(status))
}

func knownCode(c syncerr.Code) bool {
	switch c {
	case syncerr.InvalidArgument, syncerr.UnknownPeer, syncerr.ConstraintViolation, syncerr.MalformedTransmission,
		syncerr.CannotRunParallel, syncerr.TransportFailure, syncerr.ApplicationFailure, syncerr.MaxRetryReached,
		syncerr.NotFound:
		return true
	}
	return false
}
