package reconcile

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anguspalmer/servicenow/gateway"
	"github.com/anguspalmer/servicenow/transport"
)

func rowsResponse(rows ...map[string]interface{}) []map[string]interface{} {
	return rows
}

func TestTableGetMergesAncestorChain(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_db_object": rowsResponse(
			map[string]interface{}{"name": "u_dm_host", "label": "Host", "super_class": "u_dm_ci_base", "sys_id": "host_id", "is_extendable": "false"},
			map[string]interface{}{"name": "u_dm_ci_base", "label": "CI Base", "sys_id": "base_id", "is_extendable": "true"},
		),
		"/v2/table/sys_dictionary": rowsResponse(
			map[string]interface{}{"name": "u_dm_host", "element": "u_name", "internal_type": "string", "sys_created_by": "alice"},
			map[string]interface{}{"name": "u_dm_ci_base", "element": "u_serial", "internal_type": "string", "sys_created_by": "alice"},
		),
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	desc, err := tbl.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Equal(t, "u_dm_host", desc.Name)
	assert.Equal(t, "u_dm_ci_base", desc.Parent)

	col, ok := desc.Columns["u_name"]
	require.True(t, ok)
	assert.Equal(t, "string", col.Type)
	assert.False(t, col.Overridden)

	inherited, ok := desc.Columns["u_serial"]
	require.True(t, ok)
	assert.Equal(t, "u_dm_ci_base", inherited.Table)
}

func TestTableGetSkipsSyntheticNullColumn(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_db_object": rowsResponse(map[string]interface{}{"name": "u_dm_host", "sys_id": "x"}),
		"/v2/table/sys_dictionary": rowsResponse(
			map[string]interface{}{"name": "u_dm_host", "element": "", "sys_update_name": "sys_dictionary_u_dm_host_null"},
			map[string]interface{}{"name": "u_dm_host", "element": "u_name", "internal_type": "string"},
		),
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	desc, err := tbl.Get(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Len(t, desc.Columns, 1)
	_, ok := desc.Columns["u_name"]
	assert.True(t, ok)
}

func TestTableGetReturnsOperationalErrorWhenAbsent(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	_, err := tbl.Get(context.Background(), "u_dm_missing")
	require.Error(t, err)
}

// creatingDoer answers the sys_db_object/sys_dictionary GET/POST pairs
// Table.Sync issues when creating a table from scratch: the table (and
// its columns) start absent and come into existence once the matching
// POST lands, so the post-create refresh GET finds them.
type creatingDoer struct {
	dbObject map[string]interface{}
	dict     []map[string]interface{}
	posted   []string
}

func (d *creatingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	switch {
	case req.Method == http.MethodGet && req.Path == "/v2/table/sys_db_object":
		if d.dbObject == nil {
			return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": []interface{}{}}}, nil
		}
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": []interface{}{d.dbObject}}}, nil
	case req.Method == http.MethodPost && req.Path == "/v2/table/sys_db_object":
		d.posted = append(d.posted, req.Path)
		d.dbObject = map[string]interface{}{"name": "u_dm_host", "sys_id": "host_id"}
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": map[string]interface{}{"sys_id": "host_id"}}}, nil
	case req.Method == http.MethodGet && req.Path == "/v2/table/sys_dictionary":
		list := make([]interface{}, len(d.dict))
		for i, r := range d.dict {
			list[i] = r
		}
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": list}}, nil
	case req.Method == http.MethodPost && req.Path == "/v2/table/sys_dictionary":
		d.posted = append(d.posted, req.Path)
		d.dict = append(d.dict, map[string]interface{}{"name": "u_dm_host", "element": "u_name", "internal_type": "string"})
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": map[string]interface{}{}}}, nil
	default:
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": []interface{}{}}}, nil
	}
}

func TestTableSyncPlansCreateTableAndColumnForMissingTable(t *testing.T) {
	doer := &creatingDoer{}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	desired := &TableDescriptor{
		Name: "u_dm_host",
		Columns: map[string]Column{
			"u_name": {Name: "u_name", Type: "string"},
		},
	}

	result, err := tbl.Sync(context.Background(), desired, []string{"u_name"}, true)
	require.NoError(t, err)
	require.Len(t, result.Actions, 2)
	assert.Equal(t, ActionCreate, result.Actions[0].Kind)
	assert.Equal(t, ActionCreate, result.Actions[1].Kind)
	assert.Contains(t, doer.posted, "/v2/table/sys_db_object")
	assert.Contains(t, doer.posted, "/v2/table/sys_dictionary")
	require.NotNil(t, result.Descriptor)
	assert.Equal(t, "u_dm_host", result.Descriptor.Name)
}

func TestTableSyncSkipsColumnsNotInOrder(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_db_object":  rowsResponse(map[string]interface{}{"name": "u_dm_host", "sys_id": "host_id"}),
		"/v2/table/sys_dictionary": rowsResponse(map[string]interface{}{"name": "u_dm_host", "element": "u_name", "internal_type": "string"}),
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	desired := &TableDescriptor{
		Name: "u_dm_host",
		Columns: map[string]Column{
			"u_name":  {Name: "u_name", Type: "string"},
			"u_extra": {Name: "u_extra", Type: "string"},
		},
	}

	result, err := tbl.Sync(context.Background(), desired, []string{"u_name"}, false)
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
}

func TestTableSyncPlansDeleteForStaleOwnedColumn(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_db_object": rowsResponse(map[string]interface{}{"name": "u_dm_host", "sys_id": "host_id"}),
		"/v2/table/sys_dictionary": rowsResponse(
			map[string]interface{}{"name": "u_dm_host", "element": "u_name", "internal_type": "string", "sys_created_by": "alice"},
			map[string]interface{}{"name": "u_dm_host", "element": "u_stale", "internal_type": "string", "sys_created_by": "alice"},
		),
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil).WithUser("alice")

	desired := &TableDescriptor{
		Name: "u_dm_host",
		Columns: map[string]Column{
			"u_name": {Name: "u_name", Type: "string"},
		},
	}

	result, err := tbl.Sync(context.Background(), desired, []string{"u_name"}, false)
	require.NoError(t, err)

	var deletes []string
	for _, a := range result.Actions {
		if a.Kind == ActionDelete {
			deletes = append(deletes, a.Name)
		}
	}
	assert.Equal(t, []string{"u_stale"}, deletes)
}

func TestTableSyncRejectsNonExtendableParentOnCreate(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_db_object": rowsResponse(
			map[string]interface{}{"name": "u_dm_ci_base", "sys_id": "base_id", "is_extendable": "false"},
		),
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	tbl := NewTable(gw, nil)

	desired := &TableDescriptor{Name: "u_dm_host", Parent: "u_dm_ci_base", Columns: map[string]Column{}}

	_, err := tbl.Sync(context.Background(), desired, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not extendable")
}
