package httpclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
)

// Config holds HTTP client configuration
type Config struct {
	Timeout time.Duration
	// MaxRetries is the total number of tries for a request whose transport fails.
	// Values below 1 mean a single try.
	MaxRetries int
	// RetryDelay is the linear backoff step: the n-th retry waits n*RetryDelay.
	RetryDelay     time.Duration
	DefaultHeaders map[string]string
	// HTTPClient overrides the underlying client (proxies, custom transports).
	HTTPClient *http.Client
	// Logger receives retry diagnostics. It must be nil or a retryablehttp.LeveledLogger.
	Logger retryablehttp.LeveledLogger
}

// DefaultConfig returns a default HTTP client configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		MaxRetries:     10,
		RetryDelay:     125 * time.Millisecond,
		DefaultHeaders: make(map[string]string),
	}
}

// Client wraps a retrying http.Client. Only transport failures are retried;
// any HTTP response, whatever its status, is handed back to the caller.
type Client struct {
	retry  *retryablehttp.Client
	config *Config
}

// New creates a new HTTP client with the given configuration
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	retries := config.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.Logger = nil
	if config.Logger != nil {
		rc.Logger = config.Logger
	}
	rc.RetryMax = retries
	rc.RetryWaitMin = config.RetryDelay
	rc.RetryWaitMax = config.RetryDelay * time.Duration(retries+1)
	rc.CheckRetry = retryTransportErrors
	rc.Backoff = LinearBackoff
	rc.ErrorHandler = recordAttempts

	return &Client{
		retry:  rc,
		config: config,
	}
}

// Request represents an HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response represents an HTTP response with its body already read
type Response struct {
	*http.Response
	BodyBytes []byte
}

// SafeClose safely closes the response body
func (r *Response) SafeClose() error {
	if r.Response == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// JSON unmarshals the response body into the provided value
func (r *Response) JSON(v interface{}) error {
	if len(r.BodyBytes) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.BodyBytes, v)
}

// attemptsError carries the number of tries made before giving up.
type attemptsError struct {
	err   error
	tries int
}

func (e *attemptsError) Error() string { return e.err.Error() }
func (e *attemptsError) Unwrap() error { return e.err }

// Do performs an HTTP request, retrying transport failures with linear backoff.
// Exhausted retries yield an AppError of type TransportError; a cancelled
// context yields the context's error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	rreq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigurationError, "failed to create HTTP request")
	}

	for key, value := range c.config.DefaultHeaders {
		rreq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		rreq.Header.Set(key, value)
	}

	httpResp, err := c.retry.Do(rreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tries := 1
		var ae *attemptsError
		if stderrors.As(err, &ae) {
			tries = ae.tries
			err = ae.err
		}
		return nil, apperrors.NewTransportError(err, tries)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TransportError, "failed to read response body")
	}

	return &Response{
		Response:  httpResp,
		BodyBytes: body,
	}, nil
}

// PostForm performs a POST request with form-encoded data
func (c *Client) PostForm(ctx context.Context, url string, form url.Values, headers map[string]string) (*Response, error) {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Content-Type"] = "application/x-www-form-urlencoded"

	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: h,
		Body:    []byte(form.Encode()),
	})
}

// LinearBackoff waits step*(n+1) before the n-th retry, where step is the
// client's minimum wait and n counts from zero.
func LinearBackoff(step, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return step * time.Duration(attemptNum+1)
}

// retryTransportErrors retries only when no HTTP response was obtained.
func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

func recordAttempts(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		err = fmt.Errorf("giving up")
	}
	return nil, &attemptsError{err: err, tries: numTries}
}
