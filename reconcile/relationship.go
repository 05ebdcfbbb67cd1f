package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
)

// Relationship is the CI Relationship sub-reconciler: given a column ->
// "parent-descriptor::child-descriptor" mapping and a set of rows
// bearing a sys_id plus one reference per relationship column, it
// diffs desired relationships against cmdb_rel_ci by parent|child key.
type Relationship struct {
	gw     *gateway.Gateway
	logger hclog.Logger
}

// NewRelationship creates a Relationship sub-reconciler driven by gw.
func NewRelationship(gw *gateway.Gateway, logger hclog.Logger) *Relationship {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Relationship{gw: gw, logger: logger.Named("reconcile.relationship")}
}

// columnDescriptor maps one relationship column to its cmdb_rel_type
// descriptor pair.
type columnDescriptor struct {
	column string
	parent string
	child  string
}

// Sync diffs desired relationships derived from rows against the
// existing cmdb_rel_ci rows for each column's type, and if commit is
// true executes the resulting plan.
//
// columns maps a row column name to a "parent::child" descriptor pair;
// at most one column may resolve to the same cmdb_rel_type (a duplicate
// is an error, not silently merged).
func (r *Relationship) Sync(ctx context.Context, rows []map[string]interface{}, columns map[string]string, commit bool) ([]PendingAction, error) {
	descriptors, err := r.parseDescriptors(columns)
	if err != nil {
		return nil, err
	}

	typeIDs := make(map[string]string, len(descriptors))
	seenType := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		typeID, err := r.findType(ctx, d.parent, d.child)
		if err != nil {
			return nil, err
		}
		if typeID == "" {
			return nil, errs.New(errs.KindOperational, "relationship type %s::%s not found; please create manually", d.parent, d.child)
		}
		if owner, dup := seenType[typeID]; dup {
			return nil, errs.New(errs.KindPlan, "columns %s and %s both resolve to relationship type %s::%s", owner, d.column, d.parent, d.child)
		}
		seenType[typeID] = d.column
		typeIDs[d.column] = typeID
	}

	var actions []PendingAction
	for _, d := range descriptors {
		typeID := typeIDs[d.column]
		desired := desiredRelationships(rows, d.column, typeID)
		existing, err := r.fetchExisting(ctx, typeID, rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, r.diff(typeID, desired, existing)...)
	}

	if commit {
		for _, action := range actions {
			if err := action.Commit(ctx); err != nil {
				return actions, err
			}
		}
	}
	return actions, nil
}

func (r *Relationship) parseDescriptors(columns map[string]string) ([]columnDescriptor, error) {
	out := make([]columnDescriptor, 0, len(columns))
	for column, descriptor := range columns {
		parent, child, ok := strings.Cut(descriptor, "::")
		if !ok {
			return nil, errs.New(errs.KindRequestValidation, "relationship column %s: descriptor %q must be parent::child", column, descriptor)
		}
		out = append(out, columnDescriptor{column: column, parent: parent, child: child})
	}
	return out, nil
}

func (r *Relationship) findType(ctx context.Context, parent, child string) (string, error) {
	result, err := r.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/cmdb_rel_type",
		Query:  map[string]string{"sysparm_query": fmt.Sprintf("parent_descriptor=%s^child_descriptor=%s", parent, child)},
	})
	if err != nil {
		return "", err
	}
	if result.Raw == nil || result.Raw.JSON == nil {
		return "", nil
	}
	list, _ := result.Raw.JSON["result"].([]interface{})
	if len(list) == 0 {
		return "", nil
	}
	m, _ := list[0].(map[string]interface{})
	return stringField(m, "sys_id"), nil
}

type relKey struct{ parent, child string }

func desiredRelationships(rows []map[string]interface{}, column, typeID string) map[relKey]bool {
	out := make(map[relKey]bool)
	for _, row := range rows {
		parent := stringField(row, "sys_id")
		child := stringField(row, column)
		if parent == "" || child == "" {
			// Empty column value means "disconnected"; it never plans
			// a create, only (potentially) a delete of an existing row.
			continue
		}
		out[relKey{parent: parent, child: child}] = true
	}
	return out
}

func (r *Relationship) fetchExisting(ctx context.Context, typeID string, rows []map[string]interface{}) (map[relKey]string, error) {
	parents := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id := stringField(row, "sys_id"); id != "" {
			parents[id] = true
		}
	}

	result, err := r.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/cmdb_rel_ci",
		Query:  map[string]string{"sysparm_query": "type=" + typeID},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[relKey]string)
	if result.Raw == nil || result.Raw.JSON == nil {
		return out, nil
	}
	list, _ := result.Raw.JSON["result"].([]interface{})
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		parent := stringField(m, "parent")
		if !parents[parent] {
			continue
		}
		out[relKey{parent: parent, child: stringField(m, "child")}] = stringField(m, "sys_id")
	}
	return out, nil
}

func (r *Relationship) diff(typeID string, desired map[relKey]bool, existing map[relKey]string) []PendingAction {
	var actions []PendingAction
	for key := range desired {
		if _, ok := existing[key]; ok {
			continue
		}
		key := key
		actions = append(actions, PendingAction{
			Name:        fmt.Sprintf("%s->%s", key.parent, key.child),
			Kind:        ActionCreate,
			Description: fmt.Sprintf("create relationship %s->%s (type %s)", key.parent, key.child, typeID),
			Commit: func(ctx context.Context) error {
				_, err := r.gw.Do(ctx, &gateway.Request{
					Method: http.MethodPost,
					Path:   "/v2/table/cmdb_rel_ci",
					Body:   map[string]string{"parent": key.parent, "child": key.child, "type": typeID},
				})
				return err
			},
		})
	}
	for key, sysID := range existing {
		if desired[key] {
			continue
		}
		sysID := sysID
		actions = append(actions, PendingAction{
			Name:        fmt.Sprintf("%s->%s", key.parent, key.child),
			Kind:        ActionDelete,
			Description: fmt.Sprintf("delete relationship %s->%s (type %s)", key.parent, key.child, typeID),
			Commit: func(ctx context.Context) error {
				_, err := r.gw.Do(ctx, &gateway.Request{Method: http.MethodDelete, Path: "/v2/table/cmdb_rel_ci/" + sysID})
				return err
			},
		})
	}
	return actions
}
