package hookrelay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	HeaderEventID  = "X-Hookrelay-Event-Id"
	HeaderTenantID = "X-Hookrelay-Tenant-Id"

	reasonTimeout    = "Request timeout"
	reasonConnection = "Connection error"

	// Only this much of a response body is read before the connection is released.
	maxDrainBytes = 64 << 10
)

// DeliveryRequest is one signed POST to a tenant endpoint.
type DeliveryRequest struct {
	URL       string
	Body      []byte
	Signature string
	TenantID  string
	EventID   string
}

// DeliveryResult describes what the endpoint did. StatusCode is zero when no response arrived.
type DeliveryResult struct {
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Success reports a 2xx response.
func (r DeliveryResult) Success() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Reason is the operator-facing failure description stored as last_error.
// It never includes response bodies or credentials.
func (r DeliveryResult) Reason() string {
	switch {
	case r.Success():
		return ""
	case r.Err != nil && isTimeout(r.Err):
		return reasonTimeout
	case r.Err != nil:
		return reasonConnection
	default:
		return "HTTP " + strconv.Itoa(r.StatusCode)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Deliverer performs the outbound call.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult
}

// HTTPDeliverer posts payloads with an instrumented http.Client. Redirects
// are not followed: a 3xx is reported as a failed attempt.
type HTTPDeliverer struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

var _ Deliverer = (*HTTPDeliverer)(nil)

func NewHTTPDeliverer(opts ...DelivererOption) *HTTPDeliverer {
	d := &HTTPDeliverer{
		timeout:   defaultDeliveryTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   d.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return d
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return DeliveryResult{Err: err, Duration: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", d.userAgent)
	httpReq.Header.Set(SignatureHeader, req.Signature)
	httpReq.Header.Set(HeaderEventID, req.EventID)
	httpReq.Header.Set(HeaderTenantID, req.TenantID)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return DeliveryResult{Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return DeliveryResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}
