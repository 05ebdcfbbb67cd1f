package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
)

// settleDelay is how long Sync waits after committing a table creation
// before re-fetching the descriptor, giving the remote time to
// materialize server-side columns.
const settleDelay = 2 * time.Second

// Table is the Table Reconciler: it fetches a merged table descriptor
// (walking the super_class ancestor chain) and diffs it against a
// caller-supplied desired descriptor.
type Table struct {
	gw                *gateway.Gateway
	logger            hclog.Logger
	authenticatedUser string
}

// NewTable creates a Table reconciler driven by gw.
func NewTable(gw *gateway.Gateway, logger hclog.Logger) *Table {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Table{gw: gw, logger: logger.Named("reconcile.table")}
}

// WithUser returns a copy of t scoped to authenticatedUser, the account
// whose ownership Sync's delete planning checks a stale column against
// (see ColumnReconciler.PlanDeletes).
func (t *Table) WithUser(authenticatedUser string) *Table {
	clone := *t
	clone.authenticatedUser = authenticatedUser
	return &clone
}

// Get returns the flattened descriptor for nameOrID, merging ancestors
// reached via super_class. The first occurrence of a column (walking
// from the named table up through its ancestors) wins for structural
// fields; later, more-specific ancestors overwrite table, label and
// document strings — so the merge actually proceeds from the named
// table outward, recording "overridden" when an ancestor re-defines a
// name already seen.
func (t *Table) Get(ctx context.Context, nameOrID string) (*TableDescriptor, error) {
	return t.getChain(ctx, nameOrID, make(map[string]bool))
}

func (t *Table) getChain(ctx context.Context, name string, visited map[string]bool) (*TableDescriptor, error) {
	if visited[name] {
		return nil, errs.New(errs.KindPlan, "table %s: cyclic super_class ancestry", name)
	}
	visited[name] = true

	dbObject, err := t.fetchDBObject(ctx, name)
	if err != nil {
		return nil, err
	}

	desc := &TableDescriptor{
		Name:         name,
		Label:        stringField(dbObject, "label"),
		IsExtendable: stringField(dbObject, "is_extendable") == "true",
		GlobalID:     stringField(dbObject, "sys_id"),
		Columns:      make(map[string]Column),
	}
	superClass := stringField(dbObject, "super_class")

	var (
		dictRows   []map[string]interface{}
		choiceRows []map[string]interface{}
		policyRows []map[string]interface{}
		docRows    []map[string]interface{}
		fetchErr   error
	)
	var wg sync.WaitGroup
	var mu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if fetchErr == nil {
			fetchErr = err
		}
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		rows, err := t.listRaw(ctx, "sys_dictionary", fmt.Sprintf("name=%s", name))
		record(err)
		dictRows = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := t.listRaw(ctx, "sys_choice", fmt.Sprintf("name=%s", name))
		record(err)
		choiceRows = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := t.listRaw(ctx, "sys_data_policy_rule", fmt.Sprintf("table=%s", name))
		record(err)
		policyRows = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := t.listRaw(ctx, "sys_documentation", fmt.Sprintf("name=%s", name))
		record(err)
		docRows = rows
	}()
	wg.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}

	choicesByElement := groupByField(choiceRows, "element")
	policyByField := indexByField(policyRows, "field")
	docsByElement := indexByField(docRows, "element")

	for _, row := range dictRows {
		colName := stringField(row, "element")
		if colName == "" {
			continue
		}
		// Skip synthetic null columns the remote materializes per
		// table.
		if stringField(row, "sys_update_name") == fmt.Sprintf("sys_dictionary_%s_null", name) {
			continue
		}
		col := Column{
			Name:           colName,
			Label:          stringField(row, "column_label"),
			Type:           stringField(row, "internal_type"),
			ReferenceTable: stringField(row, "reference"),
			CreatedBy:      stringField(row, "sys_created_by"),
			Table:          name,
			ChoiceMode:     codeToChoiceMode[stringField(row, "choice")],
		}
		if doc, ok := docsByElement[colName]; ok {
			col.Label = stringField(doc, "label")
		}
		if policy, ok := policyByField[colName]; ok {
			if stringField(policy, "disabled") == "true" {
				col.DataPolicy = PolicyReadonly
			} else {
				col.DataPolicy = PolicyWritable
			}
		}
		if choices := choicesByElement[colName]; len(choices) > 0 {
			col.ChoiceMap = make(map[string]string, len(choices))
			for _, c := range choices {
				col.ChoiceMap[stringField(c, "value")] = stringField(c, "label")
			}
		}
		desc.Columns[colName] = col
	}

	if superClass == "" {
		return desc, nil
	}

	parent, err := t.getChain(ctx, superClass, visited)
	if err != nil {
		return nil, err
	}
	desc.Parent = parent.Name
	for colName, parentCol := range parent.Columns {
		if existing, ok := desc.Columns[colName]; ok {
			existing.Overridden = true
			// More-specific (child) ancestor wins on table/label/docs;
			// keep everything else from the first (child) occurrence.
			desc.Columns[colName] = existing
			continue
		}
		desc.Columns[colName] = parentCol
	}
	return desc, nil
}

// fetchDBObject and listRaw deliberately skip the gateway's table-read
// auto-coercion (req.Table): these are metadata tables consulted while
// building a schema itself, so their rows are read as raw wire strings
// rather than typed via a schema.Cache lookup that would recurse back
// into the same machinery.
func (t *Table) fetchDBObject(ctx context.Context, name string) (map[string]interface{}, error) {
	rows, err := t.listRaw(ctx, "sys_db_object", "name="+name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(errs.KindOperational, "table %s: sys_db_object record not found", name)
	}
	return rows[0], nil
}

func (t *Table) listRaw(ctx context.Context, table, query string) ([]map[string]interface{}, error) {
	result, err := t.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/" + table,
		Query:  map[string]string{"sysparm_query": query},
	})
	if err != nil {
		return nil, err
	}
	if result.Raw == nil || result.Raw.JSON == nil {
		return nil, nil
	}
	list, _ := result.Raw.JSON["result"].([]interface{})
	rows := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.KindProtocol, "table %s: list result element is not an object", table)
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func stringField(row map[string]interface{}, key string) string {
	if row == nil {
		return ""
	}
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func groupByField(rows []map[string]interface{}, field string) map[string][]map[string]interface{} {
	out := make(map[string][]map[string]interface{})
	for _, r := range rows {
		key := stringField(r, field)
		out[key] = append(out[key], r)
	}
	return out
}

func indexByField(rows []map[string]interface{}, field string) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(rows))
	for _, r := range rows {
		out[stringField(r, field)] = r
	}
	return out
}

// SyncResult is the outcome of a committed Sync: the actions that were
// planned (including ActionError entries) and, if commit succeeded,
// the re-fetched descriptor.
type SyncResult struct {
	Actions    []PendingAction
	Descriptor *TableDescriptor
}

// Sync diffs desired against the remote descriptor and, if commit is
// true, executes the planned actions table-first, then columns in the
// caller's iteration order. Errors from individual column plans are
// aggregated and reported collectively before anything commits.
func (t *Table) Sync(ctx context.Context, desired *TableDescriptor, columnOrder []string, commit bool) (*SyncResult, error) {
	existing, err := t.Get(ctx, desired.Name)
	created := false
	if err != nil {
		if kind, ok := errs.Of(err); !ok || kind != errs.KindOperational {
			return nil, err
		}
		// Table absent: plan a create-table action and proceed as if
		// every desired column is missing.
		existing = &TableDescriptor{Name: desired.Name, Columns: map[string]Column{}}
		created = true
	} else if desired.Parent != "" && existing.Parent != "" && desired.Parent != existing.Parent {
		return nil, errs.New(errs.KindPlan, "table %s: parent table mismatch, desired=%s existing=%s", desired.Name, desired.Parent, existing.Parent)
	}

	// Establishing a new super_class link (on create, or adding one to a
	// table that previously had none) requires the parent to be
	// extendable; a non-extendable parent may not gain subclasses.
	if desired.Parent != "" && (created || existing.Parent == "") {
		parent, err := t.Get(ctx, desired.Parent)
		if err != nil {
			return nil, err
		}
		if !parent.IsExtendable {
			return nil, errs.New(errs.KindPlan, "table %s: parent %s is not extendable", desired.Name, desired.Parent)
		}
	}

	var actions []PendingAction
	if created {
		actions = append(actions, PendingAction{
			Name:        desired.Name,
			Kind:        ActionCreate,
			Description: fmt.Sprintf("create table %s", desired.Name),
			Commit: func(ctx context.Context) error {
				_, err := t.gw.Do(ctx, &gateway.Request{
					Method: http.MethodPost,
					Path:   "/v2/table/sys_db_object",
					Body: map[string]string{
						"name":          desired.Name,
						"label":         desired.Label,
						"super_class":   desired.Parent,
						"is_extendable": boolStr(desired.IsExtendable),
					},
				})
				return err
			},
		})
	}

	col := NewColumn(t.gw, t.logger)
	var merr *multierror.Error
	for _, name := range columnOrder {
		desiredCol, ok := desired.Columns[name]
		if !ok {
			continue
		}
		planned := col.Plan(desired.Name, desiredCol, existing.Columns)
		actions = append(actions, planned)
		if planned.Kind == ActionError {
			merr = multierror.Append(merr, errs.New(errs.KindPlan, "%s", planned.Description))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return &SyncResult{Actions: actions}, err
	}

	actions = append(actions, col.PlanDeletes(desired.Name, existing.Columns, desired.Columns, t.authenticatedUser)...)

	if !commit {
		return &SyncResult{Actions: actions}, nil
	}

	for _, action := range actions {
		if action.Kind == ActionError {
			continue
		}
		if err := action.Commit(ctx); err != nil {
			return &SyncResult{Actions: actions}, errs.Wrap(errs.KindPlan, err, "commit action %s", action.Name)
		}
	}

	if created {
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	refreshed, err := t.Get(ctx, desired.Name)
	if err != nil {
		return &SyncResult{Actions: actions}, err
	}
	return &SyncResult{Actions: actions, Descriptor: refreshed}, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
