// Package httputils provides shared HTTP client construction, retrying
// transports, and response helpers.
package httputils

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/go/util"
)

const (
	DialTimeout    = time.Minute
	RequestTimeout = 5 * time.Minute

	FastDialTimeout    = 50 * time.Millisecond
	FastRequestTimeout = 100 * time.Millisecond

	// Exponential backoff defaults.
	initialInterval     = 500 * time.Millisecond
	randomizationFactor = 0.5
	backOffMultiplier   = 1.5
	maxInterval         = 60 * time.Second
	maxElapsedTime      = 5 * time.Minute

	maxBytesInResponseBody = 10 * 1024 // 10 KB
)

// HealthCheckHandler returns 200 OK with an empty body, appropriate for a
// healthcheck endpoint.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// ConfiguredDialTimeout is a dialer that sets a given timeout.
func ConfiguredDialTimeout(timeout time.Duration) func(string, string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, timeout)
	}
}

// NewTimeoutClient creates a new http.Client with both a dial timeout and
// a request timeout.
func NewTimeoutClient() *http.Client {
	return NewConfiguredTimeoutClient(DialTimeout, RequestTimeout)
}

// NewFastTimeoutClient creates a new http.Client with short dial and
// request timeouts, for latency-sensitive callers.
func NewFastTimeoutClient() *http.Client {
	return NewConfiguredTimeoutClient(FastDialTimeout, FastRequestTimeout)
}

// NewConfiguredTimeoutClient creates a new http.Client with both a dial
// timeout and a request timeout.
func NewConfiguredTimeoutClient(dialTimeout, reqTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Dial: ConfiguredDialTimeout(dialTimeout),
		},
		Timeout: reqTimeout,
	}
}

// NewBackOffClient returns an http.Client that retries 5xx responses with
// exponential backoff.
func NewBackOffClient() *http.Client {
	return &http.Client{
		Transport: NewBackOffTransport(http.DefaultTransport),
		Timeout:   RequestTimeout,
	}
}

// BackOffTransport retries requests that fail or return 5xx status codes,
// with exponential backoff between attempts.
type BackOffTransport struct {
	Transport http.RoundTripper
}

// NewBackOffTransport wraps base in a BackOffTransport.
func NewBackOffTransport(base http.RoundTripper) http.RoundTripper {
	return &BackOffTransport{Transport: base}
}

// RoundTrip implements the RoundTripper interface.
func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	config := backoff.NewExponentialBackOff()
	config.InitialInterval = initialInterval
	config.RandomizationFactor = randomizationFactor
	config.Multiplier = backOffMultiplier
	config.MaxInterval = maxInterval
	config.MaxElapsedTime = maxElapsedTime

	var resp *http.Response
	roundTripOp := func() error {
		var err error
		resp, err = t.Transport.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			body := ReadAndClose(resp.Body)
			return fmt.Errorf("got server error status code %d while making the HTTP %s request to %s\nResponse: %s", resp.StatusCode, req.Method, req.URL, body)
		}
		return nil
	}
	if err := backoff.Retry(roundTripOp, backoff.WithContext(config, req.Context())); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadAndClose reads the content of a ReadCloser into a string, limited to
// maxBytesInResponseBody, and closes it. If the reader is nil or there was
// a problem, it returns the empty string.
func ReadAndClose(r io.ReadCloser) string {
	if r != nil {
		defer util.Close(r)
		if b, err := io.ReadAll(io.LimitReader(r, maxBytesInResponseBody)); err != nil {
			sklog.Warningf("There was a potential problem reading the response body: %s", err)
		} else {
			return string(b)
		}
	}
	return ""
}

// ReportError formats an HTTP error response and also logs the detailed
// error message. The message parameter is returned in the HTTP response;
// if it is empty then "Unknown error" is returned instead.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	sklog.Error(message, " ", err)
	metrics2.GetCounter("http_response", map[string]string{"statuscode": strconv.Itoa(code)}).Inc(1)
	if err != io.ErrClosedPipe {
		httpErrMsg := message
		if message == "" {
			httpErrMsg = "Unknown error"
		}
		http.Error(w, httpErrMsg, code)
	}
}
