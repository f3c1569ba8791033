// Package forwarder is the HTTP transport layer: it clones the incoming
// request for one upstream attempt, applies path rewriting and forwarding
// headers, and performs the round trip with connection pooling per backend
// authority and a per-attempt timeout. It never decides whether to retry —
// that is the retry engine's job, one layer up.
package forwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// hopByHopHeaders are stripped from the cloned request before it is sent
// upstream, per RFC 7230 §6.1 and the specification's forwarder section.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "TE", "Transfer-Encoding", "Upgrade",
}

// Config tunes connection pooling for one Forwarder.
type Config struct {
	MaxConnsPerAuthority int           // default 256
	PoolWaitTimeout      time.Duration // default 1s
	TLSHandshakeTimeout  time.Duration // default 10s
	IdleTimeout          time.Duration // not read by Forwarder; callers pass an idle timeout to CopyWithIdleTimeout
}

func (c Config) withDefaults() Config {
	if c.MaxConnsPerAuthority <= 0 {
		c.MaxConnsPerAuthority = 256
	}
	if c.PoolWaitTimeout <= 0 {
		c.PoolWaitTimeout = time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	return c
}

// Forwarder performs upstream HTTP round trips. One Forwarder is shared
// process-wide; it owns one connection pool (http.Transport) plus an
// admission semaphore per backend authority, created lazily and torn down
// when a backend disappears from every snapshot.
type Forwarder struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*authorityPool
}

type authorityPool struct {
	transport *http.Transport
	sem       chan struct{}
}

// New constructs a Forwarder.
func New(cfg Config) *Forwarder {
	return &Forwarder{cfg: cfg.withDefaults(), pools: make(map[string]*authorityPool)}
}

// Prune tears down pools for authorities not present in keep.
func (f *Forwarder) Prune(keep map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for authority, p := range f.pools {
		if !keep[authority] {
			p.transport.CloseIdleConnections()
			delete(f.pools, authority)
		}
	}
}

func (f *Forwarder) poolFor(authority string) *authorityPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[authority]; ok {
		return p
	}
	p := &authorityPool{
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   f.cfg.TLSHandshakeTimeout,
			MaxIdleConns:          f.cfg.MaxConnsPerAuthority,
			MaxIdleConnsPerHost:   f.cfg.MaxConnsPerAuthority,
			MaxConnsPerHost:       f.cfg.MaxConnsPerAuthority,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		sem: make(chan struct{}, f.cfg.MaxConnsPerAuthority),
	}
	f.pools[authority] = p
	return p
}

// PrepareUpstreamRequest clones r into an upstream request targeting
// backendURL, applying strip_prefix/add_prefix, stripping hop-by-hop
// headers, and appending the standard forwarding headers. The returned
// request's body is r.Body verbatim — callers that may retry must arrange
// for a fresh, re-readable body per attempt (see retry.Engine).
func PrepareUpstreamRequest(ctx context.Context, r *http.Request, backendURL, routePath string, stripPrefix bool, addPrefix string) (*http.Request, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	upstreamPath := r.URL.Path
	if stripPrefix {
		upstreamPath = strings.TrimPrefix(upstreamPath, routePath)
		if upstreamPath == "" {
			upstreamPath = "/"
		}
		if !strings.HasPrefix(upstreamPath, "/") {
			upstreamPath = "/" + upstreamPath
		}
	}
	if addPrefix != "" {
		upstreamPath = addPrefix + upstreamPath
	}

	u := *target
	u.Path = singleJoiningSlash(target.Path, upstreamPath)
	u.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.Host = target.Host
	out.ContentLength = r.ContentLength

	applyForwardingHeaders(out, r, target)
	return out, nil
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	default:
		return a + b
	}
}

func applyForwardingHeaders(out *http.Request, in *http.Request, target *url.URL) {
	clientIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if out.Header.Get("X-Forwarded-Proto") == "" {
		if in.TLS != nil {
			out.Header.Set("X-Forwarded-Proto", "https")
		} else {
			out.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}

	if out.Header.Get("X-Request-Id") == "" {
		out.Header.Set("X-Request-Id", uuid.New().String())
	}
}

// Do performs one upstream round trip with the given per-attempt timeout.
// It returns the response (headers received, body unread) and an Outcome
// classifying the attempt. Callers own resp.Body and must close it — either
// by streaming it to the client or discarding it before a retry.
func (f *Forwarder) Do(ctx context.Context, req *http.Request, authority string, timeout time.Duration) (*http.Response, Outcome, error) {
	pool := f.poolFor(authority)

	waitCtx, waitCancel := context.WithTimeout(ctx, f.cfg.PoolWaitTimeout)
	defer waitCancel()
	select {
	case pool.sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, Outcome{Class: ClassConnectionError}, errors.New("connection pool exhausted")
	}
	defer func() { <-pool.sem }()

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req = req.WithContext(attemptCtx)

	client := &http.Client{
		Transport: pool.transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err), err
	}
	return resp, Outcome{Class: ClassNone, StatusCode: resp.StatusCode}, nil
}

func classifyTransportError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Class: ClassCanceled}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Class: ClassTimeout}
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return Outcome{Class: ClassTLSError}
	}
	if isReset(err) {
		return Outcome{Class: ClassReset}
	}
	return Outcome{Class: ClassConnectionError}
}

func isReset(err error) bool {
	var sysErr *net.OpError
	if errors.As(err, &sysErr) {
		return strings.Contains(sysErr.Err.Error(), "connection reset") ||
			strings.Contains(sysErr.Err.Error(), "broken pipe")
	}
	return strings.Contains(err.Error(), "connection reset")
}

// Authority extracts the scheme://host[:port] key used for pooling.
func Authority(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}
