// Package anchor is the HTTP client for the external Ledger-Anchor service,
// which timestamps a verification on chain and returns the transaction
// reference.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"medtrace/pkg/domain"
	"net/http"
	"strings"
	"time"
)

// ServiceName identifies the anchor in ExternalServiceError values.
const ServiceName = "ledger_anchor"

// DefaultTimeout bounds one anchoring round trip, including the wait for
// the transaction receipt on the service side.
const DefaultTimeout = 30 * time.Second

// Client calls the Ledger-Anchor service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithClock sets the clock used to stamp AnchoredAt.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

// New returns a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("anchor: base url required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type wireResponse struct {
	TxHash         string `json:"tx_hash"`
	Block          int64  `json:"block"`
	VerificationID *int64 `json:"verification_id"`
	Error          string `json:"error"`
}

// Anchor records req on the ledger. Failures are domain.ExternalServiceError.
func (c *Client) Anchor(ctx context.Context, req domain.AnchorRequest) (domain.LedgerAnchor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return domain.LedgerAnchor{}, c.fail(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/record", bytes.NewReader(payload))
	if err != nil {
		return domain.LedgerAnchor{}, c.fail(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.LedgerAnchor{}, c.fail(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out wireResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return domain.LedgerAnchor{}, c.fail(fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if decodeErr != nil {
		return domain.LedgerAnchor{}, c.fail(fmt.Errorf("decode response: %w", decodeErr))
	}
	if out.TxHash == "" {
		return domain.LedgerAnchor{}, c.fail(fmt.Errorf("response missing tx_hash"))
	}
	return domain.LedgerAnchor{TxHash: out.TxHash, BlockHeight: out.Block, AnchoredAt: c.now()}, nil
}

func (c *Client) fail(err error) error {
	return domain.ExternalServiceError{Service: ServiceName, Err: err}
}
