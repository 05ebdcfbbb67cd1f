package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/recordcache"
)

const (
	// DefaultPageSize is how many rows each page fetch requests.
	DefaultPageSize = 500
	// PageFetchConcurrency bounds how many pages are in flight at once.
	PageFetchConcurrency = 4
	// MaxRowCount is the hard cap; exceeding it fails with a quota error
	// rather than silently truncating.
	MaxRowCount = 100_000
)

// Rename describes one column projection entry. From is the remote
// column name; To is what it should be keyed as in the returned row. A
// caller-supplied projection list may mix bare strings (Rename{From: x,
// To: x}) with {from: to} rename objects.
type Rename struct {
	From string
	To   string
}

// GetRecordsOptions configures GetRecords.
type GetRecordsOptions struct {
	Table      string
	Query      string
	Projection []Rename
	MaxRecords int
	PageSize   int
	// Cache, if set, enables opt-in record-level caching keyed by
	// Table+Query. The gateway applies it as a plain TTL check;
	// callers that need count-based staleness re-validation (package
	// rowmerge) drive Cache directly via Mtime/CountRecords instead of
	// through GetRecords.
	Cache recordcache.Cache
	// CacheTTL bounds how long a cached value is trusted before
	// GetRecords treats it as a miss.
	CacheTTL time.Duration
}

// GetRecords fetches every row matching opts.Query from opts.Table,
// paginating transparently and fetching pages with bounded parallelism.
// Column projection/rename is applied after decoding. The total row
// count is checked against MaxRowCount before any page beyond the first
// is fetched.
func (g *Gateway) GetRecords(ctx context.Context, opts GetRecordsOptions) ([]coerce.Row, error) {
	cacheKey := opts.Table + "?" + opts.Query
	if opts.Cache != nil {
		if cached, ok := opts.Cache.Get(cacheKey, opts.CacheTTL); ok {
			if rows, ok := cached.([]coerce.Row); ok {
				return rows, nil
			}
		}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	total, err := g.countRecords(ctx, opts.Table, opts.Query)
	if err != nil {
		return nil, err
	}
	if opts.MaxRecords > 0 && total > opts.MaxRecords {
		total = opts.MaxRecords
	}
	if total > MaxRowCount {
		return nil, errs.New(errs.KindQuota, "table %s: query matches %d rows, exceeding the %d row cap", opts.Table, total, MaxRowCount)
	}

	numPages := (total + pageSize - 1) / pageSize
	pages := make([][]coerce.Row, numPages)

	sem := semaphore.NewWeighted(PageFetchConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for page := 0; page < numPages; page++ {
		offset := page * pageSize
		limit := pageSize
		if opts.MaxRecords > 0 && offset+limit > opts.MaxRecords {
			limit = opts.MaxRecords - offset
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(pageIdx, offset, limit int) {
			defer sem.Release(1)
			defer wg.Done()

			rows, err := g.fetchPage(ctx, opts.Table, opts.Query, offset, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			pages[pageIdx] = rows
		}(page, offset, limit)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]coerce.Row, 0, total)
	for _, page := range pages {
		out = append(out, page...)
	}
	out = applyProjection(out, opts.Projection)

	if opts.Cache != nil {
		opts.Cache.Put(cacheKey, out)
	}
	return out, nil
}

func (g *Gateway) countRecords(ctx context.Context, table, query string) (int, error) {
	result, err := g.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/v1/stats/%s", table),
		Query: map[string]string{
			"sysparm_count": "true",
			"sysparm_query": query,
		},
	})
	if err != nil {
		return 0, err
	}
	return ParseCount(result.Raw)
}

// CountRecords returns the number of rows in table matching query, via
// the stats endpoint. Exported so callers that drive Cache directly
// (package rowmerge, for count-based staleness checks) can issue the
// same count query GetRecords uses internally for pagination sizing.
func (g *Gateway) CountRecords(ctx context.Context, table, query string) (int, error) {
	return g.countRecords(ctx, table, query)
}

func (g *Gateway) fetchPage(ctx context.Context, table, query string, offset, limit int) ([]coerce.Row, error) {
	result, err := g.Do(ctx, &Request{
		Method:      http.MethodGet,
		Path:        fmt.Sprintf("/v2/table/%s", table),
		Table:       table,
		RequireList: true,
		Query: map[string]string{
			"sysparm_query":  query,
			"sysparm_limit":  fmt.Sprintf("%d", limit),
			"sysparm_offset": fmt.Sprintf("%d", offset),
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// applyProjection renames/filters columns per rename, streaming row by
// row. A nil/empty rename list returns rows unchanged.
func applyProjection(rows []coerce.Row, rename []Rename) []coerce.Row {
	if len(rename) == 0 {
		return rows
	}
	out := make([]coerce.Row, len(rows))
	for i, row := range rows {
		projected := make(coerce.Row, len(rename))
		for _, r := range rename {
			if v, ok := row[r.From]; ok {
				projected[r.To] = v
			}
		}
		out[i] = projected
	}
	return out
}

// ParseRenameList builds a []Rename from a caller-supplied projection
// list that may mix bare column-name strings with single-entry
// {from: to} rename objects.
func ParseRenameList(items []interface{}) ([]Rename, error) {
	out := make([]Rename, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, Rename{From: v, To: v})
		case map[string]interface{}:
			if len(v) != 1 {
				return nil, errs.New(errs.KindRequestValidation, "rename entry must have exactly one key, got %d", len(v))
			}
			for from, toVal := range v {
				to, ok := toVal.(string)
				if !ok {
					return nil, errs.New(errs.KindRequestValidation, "rename entry %q target must be a string", from)
				}
				out = append(out, Rename{From: from, To: to})
			}
		default:
			return nil, errs.New(errs.KindRequestValidation, "projection entry must be a string or {from: to} object, got %T", item)
		}
	}
	return out, nil
}
