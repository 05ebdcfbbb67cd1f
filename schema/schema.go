// Package schema is the per-table schema cache: it fetches, parses and
// memoizes a table's column schema from the XML SCHEMA endpoint,
// coalescing concurrent misses so at most one fetch is ever in flight
// per table.
package schema

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/transport"
)

// DefaultTTL is how long a published schema stays fresh before the next
// Get triggers a re-fetch.
const DefaultTTL = 5 * time.Minute

// Entry describes one remote column as reported by the SCHEMA endpoint.
type Entry struct {
	Name           string
	Type           string
	MaxLength      int
	ReferenceTable string
	ChoiceList     bool
}

// Table is a table's full column schema, keyed by column name.
type Table map[string]Entry

// SortedNames returns the column names in this Table sorted
// lexicographically, for deterministic iteration in logs and tests.
func (t Table) SortedNames() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fetcher is the narrow slice of the request layer the cache needs: a
// single request/response round trip. Both *transport.Transport and any
// gateway that wraps it (adding rate limiting) satisfy this without the
// schema package importing gateway, avoiding an import cycle.
type Fetcher interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

type entryState struct {
	done      chan struct{}
	table     Table
	err       error
	ready     bool
	expiresAt time.Time
}

// Cache is a shared, per-client-instance schema cache. It must not be
// used as package-level state: shared mutable state belongs on the
// client aggregate, not at module scope.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  hclog.Logger

	mu      sync.Mutex
	entries map[string]*entryState
}

// New creates a Cache backed by fetcher. ttl <= 0 uses DefaultTTL.
func New(fetcher Fetcher, ttl time.Duration, logger hclog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.Named("schema"),
		entries: make(map[string]*entryState),
	}
}

// Get returns the cached schema for table, fetching (and coalescing
// concurrent fetches) on a cold or expired entry.
func (c *Cache) Get(ctx context.Context, table string) (Table, error) {
	c.mu.Lock()
	if e, ok := c.entries[table]; ok {
		if e.ready && time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.table, nil
		}
		if !e.ready {
			// A fetch is already in flight; wait for its result rather
			// than issuing a second request.
			c.mu.Unlock()
			<-e.done
			if e.err != nil {
				return nil, e.err
			}
			return e.table, nil
		}
		// Expired: fall through and become the publisher for a fresh
		// fetch, replacing the stale entry below.
	}

	pending := &entryState{done: make(chan struct{})}
	c.entries[table] = pending
	c.mu.Unlock()

	fetched, err := c.fetch(ctx, table)

	c.mu.Lock()
	if err != nil {
		// Don't cache failures; let the next caller retry cleanly.
		delete(c.entries, table)
		pending.err = err
		close(pending.done)
		c.mu.Unlock()
		return nil, err
	}
	pending.table = fetched
	pending.ready = true
	pending.expiresAt = time.Now().Add(c.ttl)
	close(pending.done)
	c.mu.Unlock()

	return fetched, nil
}

// Invalidate forces the next Get for table to re-fetch.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, table)
}

func (c *Cache) fetch(ctx context.Context, table string) (Table, error) {
	c.logger.Debug("fetching schema", "table", table)
	resp, err := c.fetcher.Do(ctx, &transport.Request{
		Method:         http.MethodGet,
		Path:           "/" + table + ".do",
		SchemaEndpoint: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind != transport.KindXML || resp.XML == nil || len(resp.XML.Elements) == 0 {
		return nil, errs.New(errs.KindSchema, "table %s: SCHEMA response has no element array", table)
	}

	result := make(Table, len(resp.XML.Elements))
	for _, el := range resp.XML.Elements {
		if el.Name == "" || el.InternalType == "" {
			return nil, errs.New(errs.KindSchema, "table %s: column missing name or type", table)
		}
		maxLen, _ := strconv.Atoi(el.MaxLength)
		result[el.Name] = Entry{
			Name:           el.Name,
			Type:           el.InternalType,
			MaxLength:      maxLen,
			ReferenceTable: el.ReferenceTable,
			ChoiceList:     el.Choice == "true",
		}
	}
	return result, nil
}
