package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"os"
	"strings"
	"time"

	"uptime/internal/clock"
	"uptime/internal/domain"
)

const defaultUserAgent = "uptime-probe/1.0"

// Config controls HTTP client shape shared by all probes.
type Config struct {
	UserAgent       string
	MaxBodyBytes    int64
	FollowRedirects bool
	MaxRedirects    int
	TLSSkipVerify   bool
}

// Error is transport failure classified by kind.
type Error struct {
	Kind domain.ErrorKind
	Err  error
}

// Error formats probe error with timeout distinguished from other kinds.
func (e *Error) Error() string {
	if e.Kind == domain.ErrorKindTimeout {
		return fmt.Sprintf("timeout: %v", e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns wrapped transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Executor performs one HTTP probe per call.
type Executor struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	clock        clock.Clock
}

// Option customizes executor construction.
type Option func(*Executor)

// WithClock overrides clock used for StartedAt.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithHTTPClient overrides HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// NewExecutor creates probe executor.
// Params: client config and options.
// Returns: executor ready for concurrent use.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	client := &http.Client{Transport: transport}
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	executor := &Executor{
		client:       client,
		userAgent:    userAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
		clock:        clock.RealClock{},
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Probe sends one request to monitor URL under monitor timeout.
// Params: context and monitor definition.
// Returns: raw outcome; transport failures are reported in outcome, never as panics.
func (e *Executor) Probe(ctx context.Context, monitor domain.Monitor) domain.ProbeOutcome {
	outcome := domain.ProbeOutcome{StartedAt: e.clock.Now()}

	timeout := monitor.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(domain.MaxTimeoutSec) * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if monitor.Body != "" {
		body = bytes.NewBufferString(monitor.Body)
	}
	req, err := http.NewRequestWithContext(probeCtx, monitor.RequestMethod(), monitor.URL, body)
	if err != nil {
		outcome.Err = &Error{Kind: domain.ErrorKindTransport, Err: err}
		outcome.ErrorKind = domain.ErrorKindTransport
		return outcome
	}
	req.Header.Set("User-Agent", e.userAgent)
	for key, value := range monitor.Headers {
		req.Header.Set(key, value)
	}

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	started := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		outcome.LatencyMS = time.Since(started).Milliseconds()
		kind := Classify(err)
		outcome.Err = &Error{Kind: kind, Err: unwrapURLError(err)}
		outcome.ErrorKind = kind
		return outcome
	}
	defer resp.Body.Close()

	end := firstByte
	if end.IsZero() {
		end = time.Now()
	}
	outcome.LatencyMS = end.Sub(started).Milliseconds()
	outcome.StatusCode = resp.StatusCode
	outcome.ResponseHeaders = flattenHeaders(resp.Header)
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		notAfter := resp.TLS.PeerCertificates[0].NotAfter.UTC()
		outcome.CertExpiresAt = &notAfter
	}
	e.drain(resp.Body)
	return outcome
}

func (e *Executor) drain(body io.Reader) {
	if e.maxBodyBytes <= 0 {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, e.maxBodyBytes))
}

// Classify maps transport error into probe error kind.
// Params: error returned by HTTP client.
// Returns: timeout, dns, connect, tls, or transport kind.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.ErrorKindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return domain.ErrorKindTimeout
		}
		return domain.ErrorKindDNS
	}
	if isTLSError(err) {
		return domain.ErrorKindTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return domain.ErrorKindConnect
	}
	return domain.ErrorKindTransport
}

func isTLSError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var alertErr tls.AlertError
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &unknownAuthority),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &alertErr):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for key, values := range header {
		out[key] = strings.Join(values, ", ")
	}
	return out
}
