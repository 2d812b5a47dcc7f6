// Package detector talks to the frame recognition pipeline.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// HTTPClient implements models.Detector against the pipeline's HTTP API.
//
// Only failures that prove the request never reached the pipeline are retried:
// dial errors and 503 responses. Anything else may already have been billed.
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	maxRetries uint64
	backoff    func() backoff.BackOff
}

// NewHTTPClient creates a new detector HTTP client. A zero timeout means no per-call limit.
func NewHTTPClient(baseURL string, timeout time.Duration, maxRetries int) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Detect(ctx context.Context, req models.DetectionRequest) (models.DetectionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.DetectionResult{}, fmt.Errorf("encoding detect request: %w", err)
	}

	var result models.DetectionResult
	op := func() error {
		r, err := c.detectOnce(ctx, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.DetectionResult{}, fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
		}
		return models.DetectionResult{}, err
	}
	if result.Empty() {
		return result, ErrNoContent
	}
	return result, nil
}

func (c *HTTPClient) detectOnce(ctx context.Context, body []byte) (models.DetectionResult, error) {
	u := fmt.Sprintf("%s/v1/detect", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.DetectionResult{}, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cerr := classifyError(err)
		if dialFailed(err) && ctx.Err() == nil {
			return models.DetectionResult{}, cerr
		}
		return models.DetectionResult{}, backoff.Permanent(cerr)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return models.DetectionResult{}, backoff.Permanent(ErrNoContent)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return models.DetectionResult{}, fmt.Errorf("%w: status %d", ErrDetectorUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.DetectionResult{}, backoff.Permanent(
			fmt.Errorf("%w: status %d: %s", ErrDetectorFailure, resp.StatusCode, bytes.TrimSpace(msg)))
	}

	var result models.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.DetectionResult{}, backoff.Permanent(fmt.Errorf("%w: decoding response: %v", ErrDetectorFailure, err))
	}
	if result.Error != "" {
		return models.DetectionResult{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrDetectorFailure, result.Error))
	}
	return result, nil
}

// Ready checks that the pipeline accepts work.
func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: detector not ready (status %d)", ErrDetectorUnreachable, resp.StatusCode)
	}

	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
}

// dialFailed reports whether err happened while connecting, before any byte of the
// request was written.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Compile-time check that HTTPClient implements models.Detector.
var _ models.Detector = (*HTTPClient)(nil)
