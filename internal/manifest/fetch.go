package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-int/internal/codec"
)

// ErrPrecondition is returned for manifest-endpoint responses with code != 200.
type ErrPrecondition struct {
	Message string
}

func (e *ErrPrecondition) Error() string { return fmt.Sprintf("manifest: %s", e.Message) }

// ErrReverificationRequired is returned for HTTP 429/461/462/463, which
// require the caller to re-run the (out-of-scope) bot-challenge flow before
// retrying (spec §6).
type ErrReverificationRequired struct {
	StatusCode int
}

func (e *ErrReverificationRequired) Error() string {
	return fmt.Sprintf("manifest: re-verification required (status %d)", e.StatusCode)
}

// ChallengeParams carries the optional bot-challenge precondition fields
// (spec §6); they are opaque to this package and forwarded verbatim.
type ChallengeParams struct {
	AltChallengeResult string
	PowdetSolution     string
	TurnstileResponse  string
	TurnstileBinding   string
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Download struct {
			URL       string            `json:"url"`
			URLBase64 string            `json:"urlBase64"`
			Remote    struct {
				Method  string            `json:"method"`
				Headers map[string]string `json:"headers"`
				Length  int64             `json:"length"`
			} `json:"remote"`
			Meta struct {
				Encryption      string `json:"encryption"`
				BlockHeaderSize int64  `json:"blockHeaderSize"`
				BlockDataSize   int64  `json:"blockDataSize"`
				FileHeaderSize  int64  `json:"fileHeaderSize"`
				DataKey         string `json:"dataKey"`
			} `json:"meta"`
		} `json:"download"`
		Meta struct {
			Size     int64  `json:"size"`
			FileName string `json:"fileName"`
			Path     string `json:"path"`
			IsCrypt  bool   `json:"isCrypt"`
		} `json:"meta"`
		Settings struct {
			WebDownloader *bool `json:"webDownloader"`
			ClientDecrypt *bool `json:"clientDecrypt"`
		} `json:"settings"`
	} `json:"data"`
}

// retryLogger suppresses retryablehttp's chatty default logging unless
// VAULTPULL_DEBUG is set, mirroring the teacher's api.retryLogger.
type retryLogger struct{}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	if os.Getenv("VAULTPULL_DEBUG") != "" {
		fmt.Fprintf(os.Stderr, "[retry error] %s %v\n", msg, keysAndValues)
	}
}
func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	if os.Getenv("VAULTPULL_DEBUG") != "" {
		fmt.Fprintf(os.Stderr, "[retry warn] %s %v\n", msg, keysAndValues)
	}
}

// Fetcher fetches a Manifest from the signed-URL endpoint.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher builds a Fetcher with a retrying HTTP client: manifest-endpoint
// fetches are whole-response, so generic connection-error/5xx-with-backoff
// retry (retryablehttp's default policy) is the right fit, unlike the
// per-segment range fetch which needs TTFB-precision handling
// (internal/httpclient). A 429 is not retried here: it is returned at once so
// Fetch can report ErrReverificationRequired.
func NewFetcher() *Fetcher {
	c := retryablehttp.NewClient()
	c.Logger = &retryLogger{}
	c.RetryMax = 5
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &Fetcher{client: c}
}

// Fetch issues the manifest GET described in spec §6 and decodes the result.
func (f *Fetcher) Fetch(ctx context.Context, endpoint, path, sign string, ch ChallengeParams) (*Manifest, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("manifest: parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("path", path)
	q.Set("sign", sign)
	if ch.AltChallengeResult != "" {
		q.Set("altChallengeResult", ch.AltChallengeResult)
	}
	if ch.PowdetSolution != "" {
		q.Set("powdetSolution", ch.PowdetSolution)
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: building request: %w", err)
	}
	if ch.TurnstileResponse != "" {
		req.Header.Set("cf-turnstile-response", ch.TurnstileResponse)
	}
	if ch.TurnstileBinding != "" {
		req.Header.Set("x-turnstile-binding", ch.TurnstileBinding)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 429, 461, 462, 463:
		return nil, &ErrReverificationRequired{StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("manifest: decoding response: %w", err)
	}
	if env.Code != 200 {
		return nil, &ErrPrecondition{Message: env.Message}
	}

	mode := codec.ModePlain
	if env.Data.Meta.IsCrypt || strings.EqualFold(env.Data.Download.Meta.Encryption, "crypt") {
		mode = codec.ModeCrypt
	}

	m := &Manifest{
		RemoteURL:       env.Data.Download.URL,
		RemoteURLBase64: env.Data.Download.URLBase64,
		Method:          env.Data.Download.Remote.Method,
		Headers:         env.Data.Download.Remote.Headers,
		TotalSize:       env.Data.Meta.Size,
		Mode:            mode,
		FileHeaderSize:  env.Data.Download.Meta.FileHeaderSize,
		BlockHeaderSize: env.Data.Download.Meta.BlockHeaderSize,
		BlockDataSize:   env.Data.Download.Meta.BlockDataSize,
		DataKeyBase64:   env.Data.Download.Meta.DataKey,
		FileName:        env.Data.Meta.FileName,
	}
	if m.Method == "" {
		m.Method = http.MethodGet
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
