package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
	"github.com/anguspalmer/servicenow/transport"
)

type scriptedDoer struct {
	byPath map[string][]map[string]interface{}
}

func (d *scriptedDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	rows := filterByQuery(d.byPath[req.Path], req.Query["sysparm_query"])
	list := make([]interface{}, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": list}}, nil
}

// filterByQuery applies a simplified ServiceNow encoded-query filter
// (field=value pairs joined by ^, AND-only) against rows, matching just
// enough of the real sysparm_query grammar for fixture data.
func filterByQuery(rows []map[string]interface{}, query string) []map[string]interface{} {
	if query == "" {
		return rows
	}
	var clauses [][2]string
	for _, clause := range strings.Split(query, "^") {
		field, value, ok := strings.Cut(clause, "=")
		if !ok {
			continue
		}
		clauses = append(clauses, [2]string{field, value})
	}
	var out []map[string]interface{}
	for _, row := range rows {
		match := true
		for _, c := range clauses {
			if v, _ := row[c[0]].(string); v != c[1] {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

func newTestGateway(doer gateway.Doer) *gateway.Gateway {
	return gateway.New(gateway.Config{Transport: doer})
}

func TestRelationshipDuplicateTypeIsError(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/cmdb_rel_type": {{"sys_id": "type1", "parent_descriptor": "cmdb_ci_server", "child_descriptor": "cmdb_ci_server"}},
	}}
	gw := newTestGateway(doer)
	rel := NewRelationship(gw, nil)

	rows := []map[string]interface{}{{"sys_id": "a", "u_runs_on": "b", "u_hosts": "c"}}
	_, err := rel.Sync(context.Background(), rows, map[string]string{
		"u_runs_on": "cmdb_ci_server::cmdb_ci_server",
		"u_hosts":   "cmdb_ci_server::cmdb_ci_server",
	}, false)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindPlan, kind)
}

func TestRelationshipMissingTypeFailsWithCreateManually(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{}}
	gw := newTestGateway(doer)
	rel := NewRelationship(gw, nil)

	rows := []map[string]interface{}{{"sys_id": "a", "u_runs_on": "b"}}
	_, err := rel.Sync(context.Background(), rows, map[string]string{"u_runs_on": "cmdb_ci_server::cmdb_ci_server"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create manually")
}

func TestRelationshipEmptyColumnValueIsDisconnectNotCreate(t *testing.T) {
	rows := []map[string]interface{}{
		{"sys_id": "a", "u_runs_on": ""},
		{"sys_id": "b", "u_runs_on": "c"},
	}
	desired := desiredRelationships(rows, "u_runs_on", "type1")
	assert.Len(t, desired, 1)
	assert.True(t, desired[relKey{parent: "b", child: "c"}])
}

func TestRelationshipDescriptorMustHaveDoubleColon(t *testing.T) {
	doer := &scriptedDoer{}
	gw := newTestGateway(doer)
	rel := NewRelationship(gw, nil)

	_, err := rel.Sync(context.Background(), nil, map[string]string{"u_runs_on": "not-a-descriptor"}, false)
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindRequestValidation, kind)
}
