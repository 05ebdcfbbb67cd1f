// Package transport executes a single HTTP request against a
// ServiceNow-style instance: URL construction, HTTP Basic auth,
// bounded-retry backoff against transient and overload failures, and
// response dispatch by content type. It does not rate-limit or
// schema-coerce; those are layered on top by package gateway.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/errs"
)

// Retry policy constants.
const (
	MaxAttempts           = 3
	BackoffInitial        = 1 * time.Second
	BackoffMax            = 30 * time.Second
	BackoffMultiplier     = 3.0
	BackoffJitter         = 0.5
	DefaultRequestTimeout = 60 * time.Second
)

// ExcludeReferenceLinkParam is appended to every table-API read unless
// the caller has already set it.
const ExcludeReferenceLinkParam = "sysparm_exclude_reference_link"

// Config configures a Transport for one ServiceNow instance.
type Config struct {
	// Instance is the tenant subdomain, e.g. "acme" for
	// https://acme.service-now.com.
	Instance string
	Username string
	Password string

	// Timeout bounds a single attempt; defaults to 60s.
	Timeout time.Duration

	// HTTPClient overrides the default *http.Client, primarily so a
	// scripted fake transport ("Fake mode") can be substituted in tests
	// without touching the network.
	HTTPClient *http.Client

	Logger hclog.Logger
}

// Transport executes one HTTP request at a time; callers needing
// concurrency control wrap it with package ratelimit.
type Transport struct {
	instance string
	username string
	password string
	timeout  time.Duration
	client   *http.Client
	logger   hclog.Logger
}

// New builds a Transport from cfg, applying defaults.
func New(cfg Config) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Transport{
		instance: cfg.Instance,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		client:   client,
		logger:   logger.Named("transport"),
	}
}

// Kind classifies how a Response body was decoded.
type Kind int

const (
	// KindEmpty is returned for 201/204 responses with no required body.
	KindEmpty Kind = iota
	KindJSON
	KindXML
	// KindBinary is raw passthrough, used for attachment downloads.
	KindBinary
)

// Request is one HTTP call to make against the instance.
type Request struct {
	Method string
	// Path is relative to the base URL: "/v2/table/incident" for the
	// table API, or "/incident.do" for the schema endpoint (the query
	// string "SCHEMA" is appended automatically when SchemaEndpoint is
	// set).
	Path string
	// Query is appended to Path; for table-API reads
	// sysparm_exclude_reference_link=true is added automatically unless
	// already present.
	Query map[string]string
	// Body, if non-nil, is marshaled as the request body with
	// Content-Type: application/json.
	Body interface{}
	// SchemaEndpoint routes to the instance root instead of /api/now,
	// and is always a XML SCHEMA GET.
	SchemaEndpoint bool
	// ActingUser is included in the 403 "unauthorised" error message
	// when known; it is not required for the request to succeed.
	ActingUser string
}

// Response is the outcome of a successful (2xx) request.
type Response struct {
	StatusCode  int
	ContentType string
	Kind        Kind

	// JSON is the decoded body when Kind == KindJSON.
	JSON map[string]interface{}
	// XML is the decoded body when Kind == KindXML.
	XML *SchemaDoc
	// Bytes is the raw body, always populated except for KindEmpty.
	Bytes []byte
}

// SchemaDoc is the generic shape of a table's XML SCHEMA response: a
// root element named after the table, with one <element> child per
// column.
type SchemaDoc struct {
	XMLName  xml.Name        `xml:""`
	Elements []SchemaElement `xml:"element"`
}

// SchemaElement is one column as described by the SCHEMA endpoint.
type SchemaElement struct {
	Name           string `xml:"name,attr"`
	InternalType   string `xml:"internal_type,attr"`
	MaxLength      string `xml:"max_length,attr"`
	ReferenceTable string `xml:"reference_table,attr"`
	Choice         string `xml:"choice,attr"`
}

// Do executes req with bounded-retry backoff. On success it returns a
// Response; on terminal failure it returns an *errs.Error with Kind
// KindTransport (network/status failures after retries) or
// KindProtocol (malformed body / unexpected content type).
func (t *Transport) Do(ctx context.Context, req *Request) (*Response, error) {
	url, err := t.buildURL(req)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err, "marshal request body")
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = BackoffInitial
	bo.MaxInterval = BackoffMax
	bo.Multiplier = BackoffMultiplier
	bo.RandomizationFactor = BackoffJitter
	bo.MaxElapsedTime = 0 // we cap attempts ourselves, not elapsed time

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		resp, err := t.attempt(ctx, req, url, bodyBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		t.logger.Warn("retrying request", "method", req.Method, "url", url, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	if isRetryable(lastErr) {
		return nil, errs.Wrap(errs.KindTransport, lastErr, "too many retries")
	}
	return nil, lastErr
}

func (t *Transport) attempt(ctx context.Context, req *Request, url string, bodyBytes []byte) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, bodyReader)
	if err != nil {
		return nil, errs.Wrap(errs.KindRequestValidation, err, "build request")
	}
	httpReq.SetBasicAuth(t.username, t.password)
	httpReq.Header.Set("Accept", "application/json, text/xml")
	if bodyBytes != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "%s %s", req.Method, url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "read response body")
	}

	return t.interpret(req, resp, body)
}

func (t *Transport) interpret(req *Request, resp *http.Response, body []byte) (*Response, error) {
	status := resp.StatusCode
	contentType := resp.Header.Get("Content-Type")

	if status == http.StatusForbidden {
		if req.ActingUser != "" {
			return nil, errs.New(errs.KindTransport, "unauthorised: user %s is not permitted to %s %s", req.ActingUser, req.Method, req.Path)
		}
		return nil, errs.New(errs.KindTransport, "unauthorised: %s %s", req.Method, req.Path)
	}

	if status == http.StatusTooManyRequests {
		return nil, errs.New(errs.KindTransport, "rate limited (429): %s %s", req.Method, req.Path)
	}

	if status == http.StatusCreated || status == http.StatusNoContent {
		return &Response{StatusCode: status, ContentType: contentType, Kind: KindEmpty}, nil
	}

	if status < 200 || status >= 300 {
		return nil, errs.New(errs.KindTransport, "%s %s returned status %d: %s", req.Method, req.Path, status, truncate(body, 500))
	}

	if status != http.StatusOK {
		return &Response{StatusCode: status, ContentType: contentType, Kind: KindBinary, Bytes: body}, nil
	}

	if len(body) == 0 {
		return nil, errs.New(errs.KindProtocol, "%s %s returned 200 with an empty body", req.Method, req.Path)
	}

	switch {
	case strings.HasPrefix(contentType, "text/xml"), strings.HasPrefix(contentType, "application/xml"):
		var doc SchemaDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err, "parse XML response")
		}
		return &Response{StatusCode: status, ContentType: contentType, Kind: KindXML, XML: &doc, Bytes: body}, nil

	case strings.HasPrefix(contentType, "application/json"):
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err, "parse JSON response")
		}
		if errObj, ok := parsed["error"].(map[string]interface{}); ok {
			msg, _ := errObj["message"].(string)
			detail, _ := errObj["detail"].(string)
			return nil, errs.New(errs.KindProtocol, "%s: %s", msg, detail)
		}
		return &Response{StatusCode: status, ContentType: contentType, Kind: KindJSON, JSON: parsed, Bytes: body}, nil

	default:
		// Attachment file download or other unrecognised content type:
		// pass bytes through untouched.
		return &Response{StatusCode: status, ContentType: contentType, Kind: KindBinary, Bytes: body}, nil
	}
}

func (t *Transport) buildURL(req *Request) (string, error) {
	if t.instance == "" {
		return "", errs.New(errs.KindConfiguration, "instance is required")
	}

	var base string
	if req.SchemaEndpoint {
		base = fmt.Sprintf("https://%s.service-now.com", t.instance)
	} else {
		base = fmt.Sprintf("https://%s.service-now.com/api/now", t.instance)
	}

	query := make(map[string]string, len(req.Query)+1)
	for k, v := range req.Query {
		query[k] = v
	}
	if !req.SchemaEndpoint && req.Method == http.MethodGet {
		if _, ok := query[ExcludeReferenceLinkParam]; !ok {
			query[ExcludeReferenceLinkParam] = "true"
		}
	}

	u := base + req.Path
	if req.SchemaEndpoint {
		u += "?SCHEMA"
		return u, nil
	}
	if len(query) == 0 {
		return u, nil
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, query[k])
	}
	return u + "?" + values.Encode(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// isRetryable reports whether err should trigger another attempt:
// connection reset, DNS temporary failure, connect timeout, or
// HTTP 429 — never other 4xx or 5xx statuses.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*errs.Error); ok {
		if e.Kind != errs.KindTransport {
			return false
		}
		if strings.Contains(e.Message, "rate limited (429)") {
			return true
		}
		return isRetryableNetErr(e.Cause)
	}
	return isRetryableNetErr(err)
}

func isRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if asNetError(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	var dnsErr *net.DNSError
	if asDNSError(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "i/o timeout")
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if e, ok := err.(net.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asDNSError(err error, target **net.DNSError) bool {
	for err != nil {
		if e, ok := err.(*net.DNSError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
