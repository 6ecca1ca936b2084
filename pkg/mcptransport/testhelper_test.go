package mcptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type rpcHandler func(params json.RawMessage) (any, *RPCError)

type recordedRequest struct {
	Path    string
	Method  string
	ID      *int64
	Params  json.RawMessage
	Headers http.Header
}

// fakeServer is a scripted tool server. Paths listed in notFound answer 404;
// everything else is decoded as JSON-RPC and dispatched by method.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	notFound      map[string]bool
	handlers      map[string]rpcHandler
	notifyStatus  int
	sessionID     string
	strictSession bool
	sse           bool
	requests      []recordedRequest
	notifications []recordedRequest
	legacy        func(w http.ResponseWriter, r *http.Request)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:            t,
		notFound:     make(map[string]bool),
		handlers:     make(map[string]rpcHandler),
		notifyStatus: http.StatusAccepted,
	}
	f.handle(MethodInitialize, func(json.RawMessage) (any, *RPCError) {
		return map[string]any{
			"protocolVersion": DefaultProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "0.1.0"},
		}, nil
	})
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handle(method string, h rpcHandler) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeServer) respondWith(method string, result any) {
	f.handle(method, func(json.RawMessage) (any, *RPCError) { return result, nil })
}

func (f *fakeServer) failWith(method string, code int, msg string) {
	f.handle(method, func(json.RawMessage) (any, *RPCError) { return nil, &RPCError{Code: code, Message: msg} })
}

// configure mutates server settings under the lock.
func (f *fakeServer) configure(fn func(f *fakeServer)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeServer) missing(paths ...string) {
	f.mu.Lock()
	for _, p := range paths {
		f.notFound[p] = true
	}
	f.mu.Unlock()
}

// restart forgets every session: requests carrying an old id get 404 and
// the next initialize hands out sessionID.
func (f *fakeServer) restart(sessionID string) {
	f.configure(func(f *fakeServer) {
		f.strictSession = true
		f.sessionID = sessionID
	})
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeServer) recordedNotifications() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.notifications...)
}

func (f *fakeServer) countMethod(method string) int {
	n := 0
	for _, r := range f.recorded() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	notFound := f.notFound[r.URL.Path]
	legacy := f.legacy
	f.mu.Unlock()

	if legacy != nil && len(r.URL.Path) >= 6 && r.URL.Path[len(r.URL.Path)-6:] == "/query" {
		legacy(w, r)
		return
	}
	if notFound {
		http.NotFound(w, r)
		return
	}

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
	rec := recordedRequest{Path: r.URL.Path, Method: msg.Method, ID: msg.ID, Params: msg.Params, Headers: r.Header.Clone()}

	f.mu.Lock()
	if f.strictSession && msg.Method != MethodInitialize && r.Header.Get(sessionIDHeaderName) != f.sessionID {
		f.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if msg.ID == nil {
		f.notifications = append(f.notifications, rec)
		status := f.notifyStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	f.requests = append(f.requests, rec)
	h := f.handlers[msg.Method]
	sessionID, sse := f.sessionID, f.sse
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID}
	if h == nil {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	} else if result, rpcErr := h(msg.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	encoded, _ := json.Marshal(resp)

	if sessionID != "" && msg.Method == MethodInitialize {
		w.Header().Set(sessionIDHeaderName, sessionID)
	}
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: ping\ndata: {}\n\n"))
		_, _ = w.Write([]byte("event: message\ndata: " + string(encoded) + "\n\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(encoded)
}

func echoToolList(names ...string) map[string]any {
	tools := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tools = append(tools, map[string]any{
			"name":        name,
			"description": "tool " + name,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return map[string]any{"tools": tools}
}
