// Package gateway is the single entry point every reconciler and direct
// CRUD caller funnels through: it validates the request shape, acquires
// a rate-limit token, executes the HTTP call, and on table-API reads,
// coerces the response rows against the table's schema before handing
// them back.
package gateway

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/ratelimit"
	"github.com/anguspalmer/servicenow/schema"
	"github.com/anguspalmer/servicenow/transport"
)

// pathPattern matches /{apiVersion}/(import|table|stats|attachment)/{tableOrId}[/{id}],
// with the attachment form additionally allowing a trailing literal
// "file" segment after the real id.
var pathPattern = regexp.MustCompile(`^/v[12]/(import|table|stats|attachment)/([^/]+)(?:/([^/]+))?(?:/(file))?$`)

var guidPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Doer is the rate-limited transport the gateway drives. *transport.Transport
// satisfies it directly.
type Doer interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Gateway is the Request Gateway: the one surface reconcilers and direct
// CRUD callers use to reach the remote instance.
type Gateway struct {
	transport Doer
	limiter   *ratelimit.Limiter
	schemas   *schema.Cache
	readOnly  bool
	logger    hclog.Logger
}

// Config configures a Gateway.
type Config struct {
	Transport Doer
	Limiter   *ratelimit.Limiter
	Schemas   *schema.Cache
	ReadOnly  bool
	Logger    hclog.Logger
}

// New creates a Gateway. Limiter may be nil, in which case requests are
// never rate limited (useful for tests that don't care about bucket
// behavior).
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		transport: cfg.Transport,
		limiter:   cfg.Limiter,
		schemas:   cfg.Schemas,
		readOnly:  cfg.ReadOnly,
		logger:    logger.Named("gateway"),
	}
}

// Request is what callers hand to Do: a validated superset of
// transport.Request plus the table name the gateway uses to drive
// schema-based coercion of table-API reads.
type Request struct {
	Method         string
	Path           string
	Query          map[string]string
	Body           interface{}
	SchemaEndpoint bool
	ActingUser     string
	// Table, when set, triggers read coercion of JSON list/object
	// results against this table's schema. Only meaningful for
	// table-API reads; callers of import/stats/attachment endpoints
	// leave it empty.
	Table string
	// RequireList rejects a JSON object result where a list was
	// expected (GetRecords always sets this; a GET-by-id caller
	// legitimately expects a single object and leaves it false).
	RequireList bool
}

// Result is the gateway's decoded response: Rows for list-shaped JSON
// bodies, Row for single-object bodies, and the raw transport.Response
// for anything else (attachment bytes, XML schema docs, empty 201/204).
type Result struct {
	Raw  *transport.Response
	Rows []coerce.Row
	Row  coerce.Row
}

// Do validates req, executes it through the rate limiter and transport,
// and on a table-API read, coerces the JSON result rows using the
// table's schema.
func (g *Gateway) Do(ctx context.Context, req *Request) (*Result, error) {
	if !req.SchemaEndpoint {
		if err := validatePath(req.Method, req.Path); err != nil {
			return nil, err
		}
	}
	if g.readOnly && ratelimit.DirectionForMethod(req.Method) == ratelimit.Write {
		return nil, errs.New(errs.KindConfiguration, "client is read-only: refusing %s %s", req.Method, req.Path)
	}

	if g.limiter != nil {
		release, err := g.limiter.Acquire(ctx, ratelimit.DirectionForMethod(req.Method))
		if err != nil {
			return nil, err
		}
		defer release()
	}

	resp, err := g.transport.Do(ctx, &transport.Request{
		Method:         req.Method,
		Path:           req.Path,
		Query:          req.Query,
		Body:           req.Body,
		SchemaEndpoint: req.SchemaEndpoint,
		ActingUser:     req.ActingUser,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Raw: resp}
	if resp.Kind != transport.KindJSON || req.Table == "" || req.Method != http.MethodGet {
		return result, nil
	}

	tbl, err := g.schemas.Get(ctx, req.Table)
	if err != nil {
		return nil, err
	}

	switch list := resp.JSON["result"].(type) {
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, errs.New(errs.KindProtocol, "table %s: list result element is not an object", req.Table)
			}
			rows = append(rows, m)
		}
		decoded, err := coerce.DecodeRows(ctx, tbl, rows, g.resolveNested(ctx))
		if err != nil {
			return nil, err
		}
		result.Rows = decoded
	case map[string]interface{}:
		if req.RequireList {
			return nil, errs.New(errs.KindProtocol, "table %s: expected a list result, got an object", req.Table)
		}
		decoded, err := coerce.DecodeRow(tbl, list, g.resolveNested(ctx))
		if err != nil {
			return nil, err
		}
		result.Row = decoded
	case nil:
		// No "result" key at all: treat as an empty list, matching a
		// 200 with {} body from e.g. a stats-shaped endpoint called by
		// mistake with Table set.
	default:
		return nil, errs.New(errs.KindProtocol, "table %s: expected list result, got object", req.Table)
	}
	return result, nil
}

func (g *Gateway) resolveNested(ctx context.Context) func(table string) (schema.Table, error) {
	return func(table string) (schema.Table, error) {
		return g.schemas.Get(ctx, table)
	}
}

// validatePath enforces the URL shape and GUID rules from the gateway
// contract: id slots must be GUIDs (or the literal "file" placeholder
// for attachment downloads), table-API PUT/DELETE require an id, and
// import-API table names must carry the u_imp_dm_ prefix.
func validatePath(method, path string) error {
	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return errs.New(errs.KindRequestValidation, "malformed request path %q", path)
	}
	kind, tableOrID, id, fileSlot := m[1], m[2], m[3], m[4]

	switch kind {
	case "import":
		if !strings.HasPrefix(tableOrID, "u_imp_dm_") {
			return errs.New(errs.KindRequestValidation, "import table %q must begin with u_imp_dm_", tableOrID)
		}
	case "table":
		if (method == http.MethodPut || method == http.MethodDelete) && id == "" {
			return errs.New(errs.KindRequestValidation, "%s %s requires a sys_id", method, path)
		}
		if id != "" && !guidPattern.MatchString(id) {
			return errs.New(errs.KindRequestValidation, "%q is not a valid sys_id", id)
		}
	case "attachment":
		// tableOrID here is actually the attachment sys_id; the literal
		// "file" segment, if present, must be the trailing slot.
		if !guidPattern.MatchString(tableOrID) {
			return errs.New(errs.KindRequestValidation, "%q is not a valid attachment sys_id", tableOrID)
		}
		if id != "" && id != "file" && fileSlot == "" {
			return errs.New(errs.KindRequestValidation, "malformed attachment path %q", path)
		}
	case "stats":
		// tableOrID is the table name; no id slot is meaningful here.
	}
	return nil
}

// ParseCount reads the row count out of the `{result:{stats:{count:"N"}}}`
// shape the stats endpoint returns.
func ParseCount(resp *transport.Response) (int, error) {
	if resp.Kind != transport.KindJSON {
		return 0, errs.New(errs.KindProtocol, "stats response is not JSON")
	}
	result, _ := resp.JSON["result"].(map[string]interface{})
	stats, _ := result["stats"].(map[string]interface{})
	countStr, _ := stats["count"].(string)
	if countStr == "" {
		return 0, errs.New(errs.KindProtocol, "stats response missing result.stats.count")
	}
	n, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, errs.Wrap(errs.KindProtocol, err, "stats response count %q is not an integer", countStr)
	}
	return n, nil
}
