// Package httpclient configures the HTTP clients used to call upstream services.
package httpclient

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// NewOutbound creates a pooled client with the given overall timeout.
func NewOutbound(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

type RetryConfig struct {
	RetryMax int
	WaitMin  time.Duration
	WaitMax  time.Duration
	Timeout  time.Duration
}

type idempotentKey struct{}

// Idempotent marks requests made with ctx as safe to resend after a timeout
// or a 5xx response.
func Idempotent(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotentKey{}, true)
}

func isIdempotent(ctx context.Context, resp *http.Response) bool {
	if v, _ := ctx.Value(idempotentKey{}).(bool); v {
		return true
	}
	if resp == nil || resp.Request == nil {
		return false
	}
	switch resp.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryPolicy resends idempotent requests on the usual retryable failures.
// Anything else is resent only when the connection was never established.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if isIdempotent(ctx, resp) {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

// NewRetrying wraps NewOutbound with bounded retries. GET requests and
// contexts marked with Idempotent retry on connection errors and 5xx/429
// responses; other requests retry only on dial failures. log may be nil.
func NewRetrying(cfg RetryConfig, log *slog.Logger) *http.Client {
	rC := retryablehttp.NewClient()
	rC.HTTPClient = NewOutbound(cfg.Timeout)
	rC.RetryMax = cfg.RetryMax
	rC.CheckRetry = retryPolicy
	if cfg.WaitMin > 0 {
		rC.RetryWaitMin = cfg.WaitMin
	}
	if cfg.WaitMax > 0 {
		rC.RetryWaitMax = cfg.WaitMax
	}
	rC.Logger = nil
	if log != nil {
		rC.Logger = log
	}
	return rC.StandardClient()
}
