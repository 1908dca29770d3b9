// Package httpclient performs the per-segment ranged fetch (spec §4.5): a
// single HTTP Range request with a time-to-first-byte deadline, distinct
// from the whole-response retrying client in internal/manifest.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-int/internal/retry"
)

// RangeClient issues byte-range GET requests against the origin URL carried
// in the manifest.
type RangeClient struct {
	http *http.Client
}

// NewRangeClient builds a RangeClient. The underlying http.Client has no
// per-request timeout of its own: TTFB is enforced explicitly via
// httptrace so only the "no bytes yet" window is bounded, not slow body
// transfer of a large segment. Proxy routing follows the process
// environment (HTTPS_PROXY/HTTP_PROXY/NO_PROXY), matching how corporate
// networks typically intercept outbound origin traffic.
func NewRangeClient() *RangeClient {
	return &RangeClient{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				DisableCompression: true,
				ForceAttemptHTTP2:  true,
			},
		},
	}
}

// Request describes a single segment's ranged fetch.
type Request struct {
	Method         string
	URL            string
	Headers        map[string]string
	UnderlyingFrom int64
	UnderlyingTo   int64 // inclusive
	TTFBTimeout    time.Duration
}

// Fetch performs the ranged request and returns the full response body.
// If the response headers (first byte of the status line) do not arrive
// within req.TTFBTimeout, the request is aborted and retry.ErrTTFBTimeout
// is returned so the caller's classification routes it to priority requeue.
func (c *RangeClient) Fetch(ctx context.Context, req Request) ([]byte, int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gotFirstByte int32
	timer := time.AfterFunc(req.TTFBTimeout, func() {
		if atomic.LoadInt32(&gotFirstByte) == 0 {
			cancel()
		}
	})
	defer timer.Stop()

	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			atomic.StoreInt32(&gotFirstByte, 1)
			timer.Stop()
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.UnderlyingFrom, req.UnderlyingTo))
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if atomic.LoadInt32(&gotFirstByte) == 0 && ctx.Err() != nil {
			return nil, 0, retry.ErrTTFBTimeout
		}
		return nil, 0, fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, &retry.StatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("httpclient: unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if atomic.LoadInt32(&gotFirstByte) == 0 && ctx.Err() != nil {
			return nil, resp.StatusCode, retry.ErrTTFBTimeout
		}
		return nil, resp.StatusCode, fmt.Errorf("httpclient: reading body: %w", err)
	}
	return body, resp.StatusCode, nil
}
