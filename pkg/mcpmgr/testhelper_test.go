package mcpmgr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// peakTracker records the highest number of concurrent tools/list calls
// across every server sharing it.
type peakTracker struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *peakTracker) enter() {
	n := p.inFlight.Add(1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *peakTracker) leave() { p.inFlight.Add(-1) }

// toolServer is a minimal JSON-RPC tool server. It accepts requests on any
// path.
type toolServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	tools    []string
	listErr  map[string]any
	callErr  map[string]any
	gate     chan struct{}
	entered  chan struct{}
	delay    time.Duration
	tracker  *peakTracker
	calls    map[string]int
	lastAuth string
	// Non-empty session makes the server issue it on initialize and answer
	// any other id with 404.
	session string
}

func newToolServer(t *testing.T, tools ...string) *toolServer {
	t.Helper()
	s := &toolServer{tools: tools, calls: make(map[string]int)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *toolServer) URL() string { return s.srv.URL }

func (s *toolServer) setTools(names ...string) {
	s.mu.Lock()
	s.tools = names
	s.mu.Unlock()
}

func (s *toolServer) failList(code int, msg string) {
	s.mu.Lock()
	s.listErr = map[string]any{"code": code, "message": msg}
	s.mu.Unlock()
}

func (s *toolServer) failCall(code int, msg string) {
	s.mu.Lock()
	s.callErr = map[string]any{"code": code, "message": msg}
	s.mu.Unlock()
}

func (s *toolServer) configure(fn func(s *toolServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

// restart drops every session the server handed out.
func (s *toolServer) restart(session string) {
	s.configure(func(s *toolServer) { s.session = session })
}

func (s *toolServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *toolServer) auth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

func (s *toolServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != "" {
		if msg.Method == "initialize" {
			w.Header().Set("Mcp-Session-Id", session)
		} else if r.Header.Get("Mcp-Session-Id") != session {
			http.NotFound(w, r)
			return
		}
	}
	if msg.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.mu.Lock()
	s.calls[msg.Method]++
	s.lastAuth = r.Header.Get("Authorization")
	tools := append([]string(nil), s.tools...)
	listErr, callErr := s.listErr, s.callErr
	gate, entered, delay, tracker := s.gate, s.entered, s.delay, s.tracker
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID}
	switch msg.Method {
	case "initialize":
		resp["result"] = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "tool-server", "version": "1.0.0"},
		}
	case "tools/list":
		if tracker != nil {
			tracker.enter()
			defer tracker.leave()
		}
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		if gate != nil {
			<-gate
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if listErr != nil {
			resp["error"] = listErr
			break
		}
		list := make([]map[string]any, 0, len(tools))
		for _, name := range tools {
			list = append(list, map[string]any{
				"name":        name,
				"description": "tool " + name,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		resp["result"] = map[string]any{"tools": list}
	case "tools/call":
		if callErr != nil {
			resp["error"] = callErr
			break
		}
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		resp["result"] = map[string]any{
			"content": []map[string]any{{"type": "text", "text": p.Name + ":" + string(p.Arguments)}},
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, clock *fakeClock, opts *ManagerOptions) *Manager {
	t.Helper()
	if opts == nil {
		opts = &ManagerOptions{}
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	m := NewManager(opts)
	t.Cleanup(func() {
		require.NoError(t, m.Close(context.Background()))
	})
	return m
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}
