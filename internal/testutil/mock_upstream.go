// Package testutil provides a scriptable fake of the tax portal for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// PDFMagic is a minimal payload that passes PDF signature detection.
const PDFMagic = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

// HTMLErrorPage is what the portal serves instead of an artifact when a
// session silently expires.
const HTMLErrorPage = "<!DOCTYPE html><html><head><title>Lỗi</title></head><body><h1>Phiên làm việc đã hết hạn</h1></body></html>"

// Response defines one scripted response.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request seen by the mock.
type RecordedRequest struct {
	Path   string
	Query  url.Values
	Header http.Header
}

// MockUpstream is a configurable fake upstream server.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
	counts   map[string]int
}

// NewMockUpstream starts a mock server.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		handlers: make(map[string]http.HandlerFunc),
		counts:   make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		m.counts[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":"no handler for %s"}`, r.URL.Path)
			return
		}
		handler(w, r)
	}))

	return m
}

// URL returns the server base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.counts = make(map[string]int)
}

// RequestCount returns the number of requests seen on all paths.
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// PathCount returns the number of requests seen on path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// Requests returns a copy of the recorded requests.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// SetHandler installs a handler for path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse serves resp on every request to path.
func (m *MockUpstream) SetResponse(path string, resp Response) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		resp.Write(w)
	})
}

// SetSequence serves the responses in order; the last one repeats.
func (m *MockUpstream) SetSequence(path string, seq ...Response) {
	var mu sync.Mutex
	i := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := seq[len(seq)-1]
		if i < len(seq) {
			resp = seq[i]
		}
		i++
		mu.Unlock()
		resp.Write(w)
	})
}

// SetListing serves a cursor-paginated JSON listing. Page n (0-based) is
// requested with state=p<n>; the first request carries no state. The last
// page returns a null state.
func (m *MockUpstream) SetListing(path string, pages [][]map[string]any) {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if s := r.URL.Query().Get("state"); s != "" {
			n, err := strconv.Atoi(s[1:])
			if err != nil || n >= len(pages) {
				Response{StatusCode: http.StatusBadRequest, Body: `{"error":"bad state"}`}.Write(w)
				return
			}
			idx = n
		}
		var state any
		if idx+1 < len(pages) {
			state = fmt.Sprintf("p%d", idx+1)
		}
		body := map[string]any{
			"datas": pages[idx],
			"state": state,
			"total": total,
		}
		JSON(http.StatusOK, body).Write(w)
	})
}

// JSON builds a JSON response.
func JSON(status int, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Response{
		StatusCode: status,
		Body:       string(b),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// OK is an empty JSON 200.
func OK() Response {
	return Response{StatusCode: http.StatusOK, Body: `{}`, Headers: map[string]string{"Content-Type": "application/json"}}
}

// RateLimited is a 429 with an optional Retry-After.
func RateLimited(retryAfter string) Response {
	resp := Response{StatusCode: http.StatusTooManyRequests, Body: `{"error":"too many requests"}`}
	if retryAfter != "" {
		resp.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return resp
}

// Unavailable is a 503.
func Unavailable() Response {
	return Response{StatusCode: http.StatusServiceUnavailable, Body: "Service Unavailable"}
}

// Unauthorized is a 401.
func Unauthorized() Response {
	return Response{StatusCode: http.StatusUnauthorized, Body: `{"error":"token expired"}`}
}

// PDF is a 200 carrying a valid PDF payload labelled with a misleading
// content type, as the portal does.
func PDF() Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       PDFMagic,
		Headers:    map[string]string{"Content-Type": "application/octet-stream"},
	}
}

// HTMLError is a 200 carrying an HTML error page labelled as a PDF.
func HTMLError() Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       HTMLErrorPage,
		Headers:    map[string]string{"Content-Type": "application/pdf"},
	}
}

// Write serves resp on w, honouring Delay.
func (resp Response) Write(w http.ResponseWriter) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}
