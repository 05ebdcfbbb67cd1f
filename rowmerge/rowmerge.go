// Package rowmerge implements the row delta-merge core: reconciling a
// desired row set against a table's current rows under a chosen
// primary-key function, planning create/update/soft-or-hard-delete
// actions, and executing them in policy-bracketed, bounded-concurrency
// phases.
package rowmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
	"github.com/anguspalmer/servicenow/reconcile"
	"github.com/anguspalmer/servicenow/recordcache"
	"github.com/anguspalmer/servicenow/schema"
)

// WriteConcurrency bounds how many create, update, or delete requests
// are in flight at once within a single phase.
const WriteConcurrency = 40

// DefaultDeletedFlagColumn is consulted for soft-delete eligibility when
// Options.DeletedFlagColumn is unset.
const DefaultDeletedFlagColumn = "u_in_datamart"

// Config wires a Merger to its collaborators.
type Config struct {
	Gateway *gateway.Gateway
	Schemas *schema.Cache
	// Policy, if set, is toggled off before writes and back on after,
	// via reconcile.WithToggle. A nil Policy means no bracketing is
	// attempted (tests and tables with no owned data policy).
	Policy *reconcile.Policy
	Logger hclog.Logger
}

// Merger is the row delta-merge core.
type Merger struct {
	gw      *gateway.Gateway
	schemas *schema.Cache
	policy  *reconcile.Policy
	logger  hclog.Logger
}

// NewMerger creates a Merger from cfg.
func NewMerger(cfg Config) *Merger {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Merger{gw: cfg.Gateway, schemas: cfg.Schemas, policy: cfg.Policy, logger: logger.Named("rowmerge")}
}

// Options configures one Merge call.
type Options struct {
	Table             string
	Rows              []map[string]interface{}
	PrimaryKey        PrimaryKey
	DeletedFlagColumn string
	AllowDeletes      bool
	// ReferenceLookup maps a reference column to the field on its
	// referenced table that Rows supplies in place of a sys_id.
	ReferenceLookup map[string]string
	Cache           recordcache.Cache
	CacheTTL        time.Duration
}

// Result reports what a Merge did.
type Result struct {
	RowsMatched int
	RowsCreated int
	RowsUpdated int
	RowsDeleted int
}

// plannedUpdate is one PUT the execution phase issues.
type plannedUpdate struct {
	sysID string
	body  map[string]string
}

// Merge reconciles opts.Rows against the current rows of opts.Table and
// executes the resulting plan.
func (m *Merger) Merge(ctx context.Context, opts Options) (*Result, error) {
	table, err := m.schemas.Get(ctx, opts.Table)
	if err != nil {
		return nil, err
	}

	deletedFlagColumn := opts.DeletedFlagColumn
	if deletedFlagColumn == "" {
		deletedFlagColumn = DefaultDeletedFlagColumn
	}
	_, deletedFlagExists := table[deletedFlagColumn]
	_, firstDiscoveredExists := table["first_discovered"]

	desired := cloneRows(opts.Rows)
	if len(opts.ReferenceLookup) > 0 {
		if err := m.applyReferenceLookups(ctx, table, opts.ReferenceLookup, desired); err != nil {
			return nil, err
		}
	}

	existing, err := m.loadExisting(ctx, opts)
	if err != nil {
		return nil, err
	}

	warn := func(msg string) { m.logger.Warn(msg) }
	wireIncoming := make([]map[string]string, len(desired))
	for i, row := range desired {
		wire, err := encodeForMerge(table, row, warn)
		if err != nil {
			return nil, errs.Wrap(errs.KindCoercion, err, "encoding incoming row %d", i)
		}
		wireIncoming[i] = wire
	}
	wireExisting := make([]map[string]string, len(existing))
	for i, row := range existing {
		wire, err := encodeForMerge(table, row, warn)
		if err != nil {
			return nil, errs.Wrap(errs.KindCoercion, err, "encoding existing row %d", i)
		}
		wireExisting[i] = wire
	}

	plan := m.plan(opts, wireIncoming, wireExisting, deletedFlagExists, firstDiscoveredExists, deletedFlagColumn)
	result := &Result{
		RowsMatched: plan.matched,
		RowsCreated: len(plan.creates),
		RowsUpdated: len(plan.updates),
		RowsDeleted: len(plan.softDeletes) + len(plan.deletes),
	}

	run := func(ctx context.Context) error { return m.execute(ctx, opts.Table, plan) }
	hasWrites := len(plan.creates) > 0 || len(plan.updates) > 0 || len(plan.softDeletes) > 0 || len(plan.deletes) > 0
	if m.policy != nil && hasWrites {
		if err := reconcile.WithToggle(ctx, m.policy, opts.Table, run); err != nil {
			return nil, err
		}
	} else if err := run(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

// loadExisting fetches the current rows of opts.Table, serving a cached
// value only when cacheFresh confirms it hasn't been invalidated by a
// remote write since it was cached. A cache hit or miss either way is
// re-Put after a real fetch, so later calls can re-validate against it.
func (m *Merger) loadExisting(ctx context.Context, opts Options) ([]coerce.Row, error) {
	if opts.Cache == nil {
		return m.gw.GetRecords(ctx, gateway.GetRecordsOptions{Table: opts.Table})
	}

	cacheKey := opts.Table + "?"
	if rows, ok := m.cacheFresh(ctx, opts, cacheKey); ok {
		return rows, nil
	}

	rows, err := m.gw.GetRecords(ctx, gateway.GetRecordsOptions{Table: opts.Table})
	if err != nil {
		return nil, err
	}
	opts.Cache.Put(cacheKey, rows)
	return rows, nil
}

// cacheFresh implements the count-based staleness check: a cached value
// is trusted only when no row matching the query has updated_at at or
// after the value's cache mtime, and a second count with updated_at at
// or before that mtime exactly matches the cached row count. Either
// count diverging means some row changed after the snapshot was taken
// (or rows were added/removed around it), so the cache is stale.
func (m *Merger) cacheFresh(ctx context.Context, opts Options, cacheKey string) ([]coerce.Row, bool) {
	mtime, ok := opts.Cache.Mtime(cacheKey)
	if !ok {
		return nil, false
	}
	cached, ok := opts.Cache.Get(cacheKey, opts.CacheTTL)
	if !ok {
		return nil, false
	}
	rows, ok := cached.([]coerce.Row)
	if !ok {
		return nil, false
	}

	mtimeStamp := mtime.UTC().Format("2006-01-02 15:04:05")
	changedSince, err := m.gw.CountRecords(ctx, opts.Table, "updated_at>="+mtimeStamp)
	if err != nil {
		m.logger.Warn("cache staleness check failed, refetching", "table", opts.Table, "error", err)
		return nil, false
	}
	if changedSince > 0 {
		return nil, false
	}

	unchangedAsOf, err := m.gw.CountRecords(ctx, opts.Table, "updated_at<="+mtimeStamp)
	if err != nil {
		m.logger.Warn("cache staleness check failed, refetching", "table", opts.Table, "error", err)
		return nil, false
	}
	if unchangedAsOf != len(rows) {
		return nil, false
	}
	return rows, true
}

// mergePlan is the decided set of writes. softDeletes are PUTs that
// clear the deleted-flag column; they execute in the delete phase
// alongside deletes (hard DELETEs) even though the wire verb is PUT,
// and count toward rowsDeleted rather than rowsUpdated.
type mergePlan struct {
	creates     []map[string]string
	updates     []plannedUpdate
	softDeletes []plannedUpdate
	deletes     []string // sys_ids to hard-delete
	matched     int
}

func (m *Merger) plan(opts Options, wireIncoming, wireExisting []map[string]string, deletedFlagExists, firstDiscoveredExists bool, deletedFlagColumn string) mergePlan {
	incomingKeys := make([]string, len(wireIncoming))
	incomingKeyCounts := map[string]int{}
	for i, wire := range wireIncoming {
		key := resolveKey(opts.PrimaryKey, wire)
		incomingKeys[i] = key
		if key != "" {
			incomingKeyCounts[key]++
		}
	}

	existingKeys := make([]string, len(wireExisting))
	existingKeyCounts := map[string]int{}
	for i, wire := range wireExisting {
		key := resolveKey(opts.PrimaryKey, wire)
		existingKeys[i] = key
		if key != "" {
			existingKeyCounts[key]++
		}
	}
	existingIndex := map[string]int{}
	for i, key := range existingKeys {
		if key != "" && existingKeyCounts[key] == 1 {
			existingIndex[key] = i
		}
	}

	var plan mergePlan
	matchedExisting := make([]bool, len(wireExisting))

	for i, wire := range wireIncoming {
		key := incomingKeys[i]
		if key != "" && incomingKeyCounts[key] > 1 {
			m.logger.Warn("discarding duplicate incoming row", "table", opts.Table, "key", key)
			continue
		}
		if deletedFlagExists {
			wire[deletedFlagColumn] = "1"
		}

		existingIdx, seen := existingIndex[key]
		if key == "" || !seen {
			if key == "" {
				m.logger.Warn("incoming row has no resolvable primary key, treating as create", "table", opts.Table)
			}
			if firstDiscoveredExists {
				wire["first_discovered"] = nowUTC()
			}
			plan.creates = append(plan.creates, wire)
			continue
		}

		matchedExisting[existingIdx] = true
		diff := diffFields(wire, wireExisting[existingIdx])
		if len(diff) == 0 {
			plan.matched++
			continue
		}
		diff["sys_id"] = wireExisting[existingIdx]["sys_id"]
		diff["sys_class_name"] = wireExisting[existingIdx]["sys_class_name"]
		plan.updates = append(plan.updates, plannedUpdate{sysID: wireExisting[existingIdx]["sys_id"], body: diff})
	}

	for i, wire := range wireExisting {
		key := existingKeys[i]
		if key != "" && existingKeyCounts[key] > 1 {
			plan.deletes = append(plan.deletes, wire["sys_id"])
			continue
		}
		if matchedExisting[i] {
			continue
		}
		switch {
		case opts.AllowDeletes:
			plan.deletes = append(plan.deletes, wire["sys_id"])
		case deletedFlagExists && wire[deletedFlagColumn] != "0":
			plan.softDeletes = append(plan.softDeletes, plannedUpdate{
				sysID: wire["sys_id"],
				body: map[string]string{
					deletedFlagColumn: "0",
					"sys_id":          wire["sys_id"],
					"sys_class_name":  wire["sys_class_name"],
				},
			})
		}
	}

	return plan
}

// encodeForMerge behaves like coerce.EncodeRow except that columns
// absent from table pass through as their string representation rather
// than erroring. Delta-merge rows carry base system fields (sys_id,
// sys_class_name, sys_created_by) alongside schema columns, and those
// need to survive the wire encoding step to be usable as identity and
// comparison fields even though they aren't part of the table's own
// dictionary.
func encodeForMerge(table schema.Table, row map[string]interface{}, warn func(msg string)) (map[string]string, error) {
	out := make(map[string]string, len(row))
	for key, value := range row {
		entry, ok := table[key]
		if !ok {
			if value == nil {
				out[key] = ""
			} else {
				out[key] = fmt.Sprintf("%v", value)
			}
			continue
		}
		s, err := coerce.EncodeValue(entry, value, warn)
		if err != nil {
			return nil, err
		}
		out[key] = s
	}
	return out, nil
}

// diffFields compares incoming against existing field-by-field using
// JSON-string equality (so "1" vs "1" matches regardless of how each
// side arrived at it) and returns only the fields that differ.
func diffFields(incoming, existing map[string]string) map[string]string {
	diff := map[string]string{}
	for k, v := range incoming {
		if k == "sys_id" || k == "sys_class_name" {
			continue
		}
		if !jsonEqual(v, existing[k]) {
			diff[k] = v
		}
	}
	return diff
}

func jsonEqual(a, b string) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func cloneRows(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		clone := make(map[string]interface{}, len(row))
		for k, v := range row {
			clone[k] = v
		}
		out[i] = clone
	}
	return out
}

// execute runs the create, then update, then delete phases in order,
// each with bounded concurrency.
func (m *Merger) execute(ctx context.Context, table string, plan mergePlan) error {
	if err := runBounded(ctx, len(plan.creates), func(i int) error {
		_, err := m.gw.Do(ctx, &gateway.Request{Method: http.MethodPost, Path: fmt.Sprintf("/v2/table/%s", table), Body: plan.creates[i]})
		return err
	}); err != nil {
		return errs.Wrap(errs.KindOperational, err, "creating rows on %s", table)
	}
	if err := runBounded(ctx, len(plan.updates), func(i int) error {
		u := plan.updates[i]
		_, err := m.gw.Do(ctx, &gateway.Request{Method: http.MethodPut, Path: fmt.Sprintf("/v2/table/%s/%s", table, u.sysID), Body: u.body})
		return err
	}); err != nil {
		return errs.Wrap(errs.KindOperational, err, "updating rows on %s", table)
	}
	if err := runBounded(ctx, len(plan.softDeletes), func(i int) error {
		u := plan.softDeletes[i]
		_, err := m.gw.Do(ctx, &gateway.Request{Method: http.MethodPut, Path: fmt.Sprintf("/v2/table/%s/%s", table, u.sysID), Body: u.body})
		return err
	}); err != nil {
		return errs.Wrap(errs.KindOperational, err, "soft-deleting rows on %s", table)
	}
	if err := runBounded(ctx, len(plan.deletes), func(i int) error {
		_, err := m.gw.Do(ctx, &gateway.Request{Method: http.MethodDelete, Path: fmt.Sprintf("/v2/table/%s/%s", table, plan.deletes[i])})
		return err
	}); err != nil {
		return errs.Wrap(errs.KindOperational, err, "deleting rows on %s", table)
	}
	return nil
}

// runBounded runs fn(0..n) with at most WriteConcurrency in flight,
// returning the first error encountered. Mirrors the
// WaitGroup+Mutex+semaphore shape used for bounded fan-out elsewhere in
// this module.
func runBounded(ctx context.Context, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(WriteConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}
