package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// Fake is a scripted in-process http.RoundTripper standing in for the
// real ServiceNow instance, used by tests and the dev-instance sentinel
// path via Config.HTTPClient. Production code never talks to it
// directly.
type Fake struct {
	mu       sync.Mutex
	handlers map[string][]FakeHandler // key: "METHOD path", popped in order
	calls    []*http.Request
}

// FakeHandler produces one response for one matched request.
type FakeHandler func(req *http.Request) (*http.Response, error)

// NewFake creates an empty scripted transport; register responses with
// On before use.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string][]FakeHandler)}
}

// On queues handler as the response for the next matching request with
// this method and path (query string ignored). Multiple calls to On for
// the same method+path queue a sequence, consumed in order — useful for
// scripting "429, 429, 200" retry scenarios.
func (f *Fake) On(method, path string, handler FakeHandler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + " " + path
	f.handlers[key] = append(f.handlers[key], handler)
	return f
}

// OnJSON is a convenience wrapper around On that always returns status
// with body marshaled as JSON.
func (f *Fake) OnJSON(method, path string, status int, body interface{}) *Fake {
	return f.On(method, path, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(status, body), nil
	})
}

// Calls returns every request observed so far, in order.
func (f *Fake) Calls() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*http.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many requests matched method+path so far.
func (f *Fake) CallCount(method, path string) int {
	count := 0
	for _, r := range f.Calls() {
		if r.Method == method && r.URL.Path == path {
			count++
		}
	}
	return count
}

// RoundTrip implements http.RoundTripper.
func (f *Fake) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Clone(req.Context()))
	key := req.Method + " " + req.URL.Path
	queue := f.handlers[key]
	var handler FakeHandler
	if len(queue) > 0 {
		handler = queue[0]
		if len(queue) > 1 {
			f.handlers[key] = queue[1:]
		} else {
			f.handlers[key] = queue[:0]
		}
	}
	f.mu.Unlock()

	if handler == nil {
		return jsonResponse(http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{
				"message": "fake transport: no handler registered",
				"detail":  key,
			},
		}), nil
	}
	return handler(req)
}

func jsonResponse(status int, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(&buf),
	}
}

// XMLResponse builds a raw text/xml response, for scripting SCHEMA
// endpoint replies.
func XMLResponse(status int, rawXML string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/xml"}},
		Body:       io.NopCloser(bytes.NewBufferString(rawXML)),
	}
}

// EmptyResponse builds a bodyless 201/204 response.
func EmptyResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
}
