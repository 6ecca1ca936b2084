package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const (
	sessionIDHeaderName = "Mcp-Session-Id"
	maxResponseBytes    = 10 << 20
	maxErrorBodyBytes   = 512
)

// postOutcome classifies a single POST against one endpoint candidate.
type postOutcome struct {
	resp     *Response
	found    bool
	notFound bool
	// expired is set when a request carrying a session id got a 404.
	expired  bool
	err      error
}

// roundTrip delivers payload to the resolved endpoint or, before one is
// known, walks the endpoint candidates until one answers with something other
// than 404. Failures never escape as Go errors: they are returned as a
// Response carrying a local RPCError. For notifications a nil Response means
// the server accepted the message. A request that fails on the pinned
// endpoint of an MCP session resets the session so the next Connect runs the
// handshake again.
func (c *Client) roundTrip(ctx context.Context, id int64, payload []byte, notify bool) *Response {
	resp := c.deliver(ctx, id, payload, notify)
	if !notify && resp != nil && resp.local {
		c.resetSession(resp.Error.Message)
	}
	return resp
}

func (c *Client) deliver(ctx context.Context, id int64, payload []byte, notify bool) *Response {
	onlyNotFound := true
	var lastErr error
	for _, ep := range c.candidates() {
		target := joinEndpoint(c.baseURL, ep)
		out := c.postOnce(ctx, target, id, payload, notify)
		switch {
		case out.expired:
			resp := localError(id, CodeTransportFailure, fmt.Sprintf("session on %s expired", target))
			resp.expired = true
			return resp
		case out.notFound:
			lastErr = fmt.Errorf("%s returned 404", target)
			continue
		case out.found:
			c.setEndpoint(ep)
			if out.err != nil {
				return localError(id, CodeTransportFailure, out.err.Error())
			}
			return out.resp
		}
		onlyNotFound = false
		lastErr = out.err
		if ctx.Err() != nil {
			break
		}
	}
	if onlyNotFound {
		return localError(id, CodeNoEndpoint, fmt.Sprintf("no endpoint on %s accepted the request", c.baseURL))
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoint candidates configured")
	}
	return localError(id, CodeTransportFailure, lastErr.Error())
}

// resetSession drops an established MCP session: the negotiated kind, the
// pinned endpoint, the session id and the tool cache.
func (c *Client) resetSession(reason string) {
	c.mu.Lock()
	if c.kind != SessionMCP {
		c.mu.Unlock()
		return
	}
	c.kind = SessionNone
	c.endpoint = ""
	c.endpointResolved = false
	c.serverInfo = nil
	c.protocolVersion = ""
	c.tools = nil
	c.toolsCached = false
	c.mu.Unlock()
	c.session.Set("")
	c.logger.Info("MCP session lost, next call re-initializes", "reason", reason)
}

func (c *Client) candidates() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.endpointResolved {
		return []string{c.endpoint}
	}
	return c.opts.Endpoints
}

func (c *Client) setEndpoint(ep string) {
	c.mu.Lock()
	c.endpoint = ep
	c.endpointResolved = true
	c.mu.Unlock()
}

func (c *Client) postOnce(ctx context.Context, target string, id int64, payload []byte, notify bool) postOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return postOutcome{err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	sentSession := c.session.Value() != ""
	c.emit(RPCDirectionSend, target, payload)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return postOutcome{err: fmt.Errorf("POST %s: %w", target, err)}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionIDHeaderName); sid != "" {
		c.session.Set(sid)
	}
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return postOutcome{notFound: true, expired: sentSession}
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return postOutcome{found: ok, err: fmt.Errorf("read response from %s: %w", target, err)}
	}
	if notify {
		if ok {
			return postOutcome{found: true}
		}
		return postOutcome{err: httpStatusError(resp.StatusCode, body)}
	}

	decoded, derr := decodeResponse(resp.Header.Get("Content-Type"), body, id)
	if derr == nil && decoded.isRPCResponse() {
		c.emit(RPCDirectionReceive, target, body)
		if decoded.ID != nil && *decoded.ID != id {
			return postOutcome{found: true, err: fmt.Errorf("response id %d does not match request id %d", *decoded.ID, id)}
		}
		return postOutcome{found: true, resp: decoded}
	}
	if !ok {
		return postOutcome{err: httpStatusError(resp.StatusCode, body)}
	}
	if derr == nil {
		derr = errors.New("body is not a JSON-RPC response")
	}
	return postOutcome{found: true, err: fmt.Errorf("malformed response from %s: %w", target, derr)}
}

// decodeResponse parses either a plain JSON body or an SSE stream, returning
// the first event whose id matches the request.
func decodeResponse(contentType string, body []byte, id int64) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "text/event-stream" {
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.ID == nil || *resp.ID != id {
			return nil, false
		}
		return &resp, true
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream carried no response for id %d", id)
}

func httpStatusError(status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyBytes {
		text = text[:maxErrorBodyBytes]
	}
	if text == "" {
		return fmt.Errorf("HTTP %d", status)
	}
	return fmt.Errorf("HTTP %d: %s", status, text)
}

func joinEndpoint(base, ep string) string {
	if ep == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ep, "/")
}

func (c *Client) emit(direction RPCDirection, endpoint string, msg []byte) {
	if c.opts.RPCLogger == nil {
		return
	}
	c.opts.RPCLogger(RPCLogEvent{
		Direction: direction,
		Message:   append([]byte(nil), msg...),
		ServerID:  c.baseURL,
		ClientID:  c.id,
		Endpoint:  endpoint,
	})
}

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func decorateHTTPClient(base *http.Client, opts Options, headers http.Header, tracker *sessionIDTracker, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	clone := *base
	if clone.Timeout <= 0 {
		clone.Timeout = opts.Timeout
	}
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

func staticBearer(token string) HTTPAuthProvider {
	if token == "" {
		return nil
	}
	value := "Bearer " + token
	return func(context.Context) (string, error) { return value, nil }
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionIDTracker
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
