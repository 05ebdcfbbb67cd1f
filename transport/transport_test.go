package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anguspalmer/servicenow/errs"
)

func newTestTransport(t *testing.T, fake *Fake) *Transport {
	t.Helper()
	return New(Config{
		Instance: "acme",
		Username: "bob",
		Password: "secret",
		Timeout:  2 * time.Second,
		HTTPClient: &http.Client{
			Transport: fake,
		},
	})
}

func TestBuildURLTableRead(t *testing.T) {
	fake := NewFake()
	fake.OnJSON(http.MethodGet, "/api/now/v2/table/incident", 200, map[string]interface{}{
		"result": []interface{}{},
	})
	tr := newTestTransport(t, fake)

	_, err := tr.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/v2/table/incident",
	})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme.service-now.com", calls[0].URL.Host)
	assert.Equal(t, "true", calls[0].URL.Query().Get(ExcludeReferenceLinkParam))
}

func TestSchemaEndpointUsesInstanceRoot(t *testing.T) {
	fake := NewFake()
	fake.On(http.MethodGet, "/u_foo.do", func(req *http.Request) (*http.Response, error) {
		return XMLResponse(200, `<u_foo><element name="u_name" internal_type="string" max_length="40"/></u_foo>`), nil
	})
	tr := newTestTransport(t, fake)

	resp, err := tr.Do(context.Background(), &Request{
		Method:         http.MethodGet,
		Path:           "/u_foo.do",
		SchemaEndpoint: true,
	})
	require.NoError(t, err)
	assert.Equal(t, KindXML, resp.Kind)
	require.Len(t, resp.XML.Elements, 1)
	assert.Equal(t, "u_name", resp.XML.Elements[0].Name)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].URL.String(), "/api/now")
}

func TestRetriesOnRateLimitThenSucceeds(t *testing.T) {
	fake := NewFake()
	fake.On(http.MethodGet, "/api/now/v2/table/incident", func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, nil), nil
	})
	fake.On(http.MethodGet, "/api/now/v2/table/incident", func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, nil), nil
	})
	fake.OnJSON(http.MethodGet, "/api/now/v2/table/incident", 200, map[string]interface{}{"result": []interface{}{}})

	tr := newTestTransport(t, fake)

	start := time.Now()
	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v2/table/incident"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, KindJSON, resp.Kind)
	assert.Equal(t, 3, fake.CallCount(http.MethodGet, "/api/now/v2/table/incident"))
	// Two backoff sleeps of >= ~0.5s (jittered 1s band) should have elapsed.
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
}

func TestThirdRateLimitFailsWithTooManyRetries(t *testing.T) {
	fake := NewFake()
	for i := 0; i < 3; i++ {
		fake.On(http.MethodGet, "/api/now/v2/table/incident", func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusTooManyRequests, nil), nil
		})
	}
	tr := newTestTransport(t, fake)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v2/table/incident"})
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindTransport, kind)
	assert.Contains(t, err.Error(), "too many retries")
	assert.Equal(t, 3, fake.CallCount(http.MethodGet, "/api/now/v2/table/incident"))
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	fake := NewFake()
	fake.OnJSON(http.MethodGet, "/api/now/v2/table/incident", 400, map[string]interface{}{
		"error": map[string]interface{}{"message": "bad query", "detail": "sysparm_query malformed"},
	})
	tr := newTestTransport(t, fake)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v2/table/incident"})
	require.Error(t, err)
	assert.Equal(t, 1, fake.CallCount(http.MethodGet, "/api/now/v2/table/incident"))
	assert.Contains(t, err.Error(), "bad query")
}

func TestForbiddenIncludesActingUser(t *testing.T) {
	fake := NewFake()
	fake.On(http.MethodGet, "/api/now/v2/table/incident", func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusForbidden, nil), nil
	})
	tr := newTestTransport(t, fake)

	_, err := tr.Do(context.Background(), &Request{
		Method:     http.MethodGet,
		Path:       "/v2/table/incident",
		ActingUser: "bob",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob")
}

func TestCreateReturns201Sentinel(t *testing.T) {
	fake := NewFake()
	fake.On(http.MethodPost, "/api/now/v2/table/incident", func(req *http.Request) (*http.Response, error) {
		return EmptyResponse(http.StatusCreated), nil
	})
	tr := newTestTransport(t, fake)

	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/v2/table/incident",
		Body:   map[string]string{"short_description": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, resp.Kind)
}

func TestAttachmentDownloadPassesBytesThrough(t *testing.T) {
	fake := NewFake()
	fake.On(http.MethodGet, "/api/now/v1/attachment/abc/file", func(req *http.Request) (*http.Response, error) {
		resp := XMLResponse(200, "binarydata")
		resp.Header.Set("Content-Type", "application/octet-stream")
		return resp, nil
	})
	tr := newTestTransport(t, fake)

	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/v1/attachment/abc/file"})
	require.NoError(t, err)
	assert.Equal(t, KindBinary, resp.Kind)
	assert.Equal(t, []byte("binarydata"), resp.Bytes)
}
