package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/faults"
	"github.com/imrishuroy/go-hd-delivery/internal/imaging"
)

const (
	// DefaultEndpoint is the RealESRGAN x2 inference model.
	DefaultEndpoint = "https://api-inference.huggingface.co/models/OGk/RealESRGAN_x2"
	// DefaultTimeout bounds a single enhancement call.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 32 << 20
)

// Options configures a Client.
type Options struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the external enhancement service. It never retries and keeps
// no state between calls.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	timeout    time.Duration
	maxBytes   int
}

// NewClient returns a Client with defaults applied.
func NewClient(opts Options) *Client {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		endpoint:   endpoint,
		token:      strings.TrimSpace(opts.Token),
		timeout:    timeout,
		maxBytes:   maxResponseBytes,
	}
}

// Enhance posts src to the service and finishes the result for tier.
func (c *Client) Enhance(ctx context.Context, src []byte, tier Tier) ([]byte, error) {
	const op = "enhance"
	spec, ok := finishing[tier]
	if !ok {
		return nil, faults.Errorf(faults.UpstreamRejected, op, "unknown tier %q", tier)
	}
	if len(src) == 0 {
		return nil, faults.New(faults.UpstreamRejected, op, errors.New("empty source image"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(src))
	if err != nil {
		return nil, faults.New(faults.UpstreamRejected, op, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxBytes)+1))
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	if len(body) > c.maxBytes {
		return nil, faults.Errorf(faults.UpstreamRejected, op, "response exceeds %d bytes", c.maxBytes)
	}

	log.Debug().
		Str("tier", string(tier)).
		Int("status", resp.StatusCode).
		Int("source_bytes", len(src)).
		Int("response_bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Enhancement service responded")

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus(op, resp.StatusCode, body)
	}
	if len(body) == 0 {
		return nil, faults.New(faults.UpstreamRejected, op, errors.New("empty response body"))
	}

	out, err := imaging.Finish(body, spec)
	if err != nil {
		return nil, faults.New(faults.UpstreamRejected, op, err)
	}
	return out, nil
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.Timeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return faults.New(faults.Timeout, op, err)
	}
	return faults.New(faults.UpstreamUnavailable, op, err)
}

func classifyStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("http %d: %s", status, msg)
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return faults.New(faults.Timeout, op, err)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		// 503 is also what the inference API returns while the model loads.
		return faults.New(faults.UpstreamUnavailable, op, err)
	default:
		return faults.New(faults.UpstreamRejected, op, err)
	}
}
