package httpintercept

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gondolin-dev/gondolin/internal/policy"
)

// HeadReadTimeout bounds how long we'll wait for a full request head,
// spec.md §5 "HTTP request head read <= 30 s".
const HeadReadTimeout = 30 * time.Second

// DefaultUpstreamTimeout is the Timeout of the client NewInterceptor builds
// when it is given none. A client passed to NewInterceptor keeps its own
// Timeout, and hooks have no way to change the upstream deadline.
const DefaultUpstreamTimeout = 60 * time.Second

// maxRedirectHops bounds the interceptor's own redirect-following loop.
const maxRedirectHops = 10

// OriginResolver performs the host's real DNS resolution, lazily, at
// connect time — the DNS-rebinding defense of spec.md §4.3/§8.
type OriginResolver interface {
	Resolve(ctx context.Context, hostname string) ([]net.IP, error)
}

// Interceptor parses HTTP/1.x requests off a connection, applies policy and
// secret substitution, and replays them through a host HTTP client.
type Interceptor struct {
	log      *slog.Logger
	policy   *policy.State
	hooks    Hooks
	resolver OriginResolver
	client   *http.Client
}

// NewInterceptor builds an Interceptor. client, if nil, gets a default
// *http.Client wired so the interceptor — not the transport — controls
// redirect following (each hop must pass the same admission checks).
func NewInterceptor(log *slog.Logger, policyState *policy.State, hooks Hooks, resolver OriginResolver, client *http.Client) *Interceptor {
	if client == nil {
		client = &http.Client{Timeout: DefaultUpstreamTimeout}
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Interceptor{log: log, policy: policyState, hooks: hooks, resolver: resolver, client: client}
}

// Serve reads and replies to HTTP/1.x requests off conn until the
// connection is closed or a non-recoverable parse error occurs. scheme is
// "http" for a plaintext flow or "https" for one already decrypted by
// internal/mitm. Requests on the same connection are processed strictly in
// arrival order (spec.md §5): Serve does not start parsing request N+1
// until request N's response has been fully written.
func (ic *Interceptor) Serve(ctx context.Context, conn net.Conn, scheme string) error {
	br := bufio.NewReaderSize(conn, 16*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(HeadReadTimeout)); err != nil {
			return err
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("httpintercept: read request: %w", err)
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return err
		}

		keepAlive, err := ic.handleOne(ctx, conn, req, scheme)
		if err != nil {
			ic.log.Warn("httpintercept: request failed", "err", err)
		}
		if !keepAlive {
			return nil
		}
	}
}

func (ic *Interceptor) handleOne(ctx context.Context, conn net.Conn, raw *http.Request, scheme string) (keepAlive bool, err error) {
	keepAlive = raw.ProtoAtLeast(1, 1) && strings.ToLower(raw.Header.Get("Connection")) != "close"

	hreq, err := fromStdlib(raw, scheme)
	if err != nil {
		writeSyntheticResponse(conn, raw.ProtoMajor, raw.ProtoMinor, 400, "bad request")
		return keepAlive, err
	}

	resp, blockErr := ic.process(ctx, hreq)
	if blockErr != nil {
		var be *HttpRequestBlockedError
		if errors.As(blockErr, &be) {
			writeSyntheticResponse(conn, raw.ProtoMajor, raw.ProtoMinor, 502, "request blocked")
			return keepAlive, blockErr
		}
		writeSyntheticResponse(conn, raw.ProtoMajor, raw.ProtoMinor, 502, "upstream error")
		return keepAlive, blockErr
	}
	defer resp.Body.Close()

	if ic.hooks.Response != nil {
		if err := ic.hooks.Response.OnResponse(ctx, resp); err != nil {
			writeSyntheticResponse(conn, raw.ProtoMajor, raw.ProtoMinor, 502, "response hook error")
			return keepAlive, fmt.Errorf("httpintercept: onResponse hook: %w", err)
		}
	}

	if !keepAlive {
		resp.Close = true
	}
	if err := resp.Write(conn); err != nil {
		return false, fmt.Errorf("httpintercept: write response: %w", err)
	}
	return keepAlive, nil
}

// process runs one request through hooks, secret handling and admission,
// then replays it (following redirects itself), per spec.md §4.7.
func (ic *Interceptor) process(ctx context.Context, hreq *HttpRequest) (*http.Response, error) {
	if ic.hooks.RequestHead != nil {
		if err := ic.hooks.RequestHead.OnRequestHead(ctx, hreq); err != nil {
			return nil, fmt.Errorf("httpintercept: onRequestHead hook: %w", err)
		}
	}

	secrets := ic.policy.Secrets()
	scanQuery := ic.policy.ReplaceSecretsInQuery()

	if err := checkSecretExfiltration(hreq.URL.Hostname(), hreq.Header, hreq.URL.RawQuery, secrets, scanQuery); err != nil {
		return nil, err
	}

	if hreq.Body != nil && ic.hooks.Request != nil {
		buffered, err := bufferBody(hreq.Body)
		if err != nil {
			return nil, fmt.Errorf("httpintercept: buffer body: %w", err)
		}
		hreq.Body = buffered
		if err := ic.hooks.Request.OnRequest(ctx, hreq); err != nil {
			return nil, fmt.Errorf("httpintercept: onRequest hook: %w", err)
		}
	}

	if err := substitutePlaceholders(hreq.URL.Hostname(), &hreq.Header, hreq.URL, secrets, scanQuery); err != nil {
		return nil, err
	}

	return ic.replayFollowingRedirects(ctx, hreq)
}

func (ic *Interceptor) replayFollowingRedirects(ctx context.Context, hreq *HttpRequest) (*http.Response, error) {
	current := hreq
	for hop := 0; ; hop++ {
		if hop >= maxRedirectHops {
			return nil, fmt.Errorf("httpintercept: too many redirects")
		}

		if err := ic.admitOrigin(ctx, current.URL); err != nil {
			return nil, err
		}

		resp, err := ic.doOnce(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("httpintercept: upstream request failed: %w", err)
		}
		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, fmt.Errorf("httpintercept: redirect with no Location")
		}
		next, err := current.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("httpintercept: parse redirect Location %q: %w", loc, err)
		}

		redirected := &HttpRequest{
			Method: redirectMethod(resp.StatusCode, current.Method),
			URL:    next,
			Header: current.Header.Clone(),
			Proto:  current.Proto,
		}
		secrets := ic.policy.Secrets()
		scanQuery := ic.policy.ReplaceSecretsInQuery()
		// Re-check the allowlist defense for the new target host;
		// substitution already happened once, so this call only needs to
		// catch a secret that leaked into a header (or, when query scanning
		// is on, the query) carried across the redirect to an unauthorized
		// host. Placeholders are not substituted again.
		if err := checkSecretExfiltration(redirected.URL.Hostname(), redirected.Header, redirected.URL.RawQuery, secrets, scanQuery); err != nil {
			return nil, err
		}
		current = redirected
	}
}

func (ic *Interceptor) admitOrigin(ctx context.Context, u *url.URL) error {
	hostname := u.Hostname()
	ips, err := ic.resolver.Resolve(ctx, hostname)
	if err != nil {
		return fmt.Errorf("httpintercept: resolve %q: %w", hostname, err)
	}
	var lastErr error
	for _, ip := range ips {
		if err := ic.policy.Admit(hostname, ip); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate addresses")
	}
	return fmt.Errorf("httpintercept: origin %q not admitted: %w", hostname, lastErr)
}

func (ic *Interceptor) doOnce(ctx context.Context, hreq *HttpRequest) (*http.Response, error) {
	stdReq, err := toStdlib(ctx, hreq)
	if err != nil {
		return nil, err
	}
	return ic.client.Do(stdReq)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func redirectMethod(code int, method string) string {
	if code == http.StatusSeeOther && method != http.MethodHead {
		return http.MethodGet
	}
	return method
}

func fromStdlib(raw *http.Request, scheme string) (*HttpRequest, error) {
	u, err := reconstructURL(scheme, raw.Host, raw.RequestURI)
	if err != nil {
		return nil, err
	}
	header := make(Header, 0, len(raw.Header))
	for name, values := range raw.Header {
		for _, v := range values {
			header = append(header, HeaderField{Name: name, Value: v})
		}
	}
	var body BodyReader
	if raw.Body != nil && raw.Body != http.NoBody {
		body = streamingBody{raw.Body}
	}
	return &HttpRequest{
		Method:        raw.Method,
		URL:           u,
		Header:        header,
		Proto:         raw.Proto,
		Body:          body,
		ContentLength: raw.ContentLength,
	}, nil
}

func toStdlib(ctx context.Context, hreq *HttpRequest) (*http.Request, error) {
	var body io.Reader
	if hreq.Body != nil {
		body = hreq.Body
	}
	req, err := http.NewRequestWithContext(ctx, hreq.Method, hreq.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for _, f := range hreq.Header {
		req.Header.Add(f.Name, f.Value)
	}
	if hreq.ContentLength > 0 {
		req.ContentLength = hreq.ContentLength
	}
	return req, nil
}

func writeSyntheticResponse(w io.Writer, major, minor, code int, body string) {
	status := http.StatusText(code)
	if status == "" {
		status = "Error"
	}
	fmt.Fprintf(w, "HTTP/%d.%d %d %s\r\nContent-Length: %d\r\nContent-Type: text/plain\r\nConnection: keep-alive\r\n\r\n%s",
		major, minor, code, status, len(body), body)
}
