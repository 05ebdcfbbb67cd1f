package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anguspalmer/servicenow/gateway"
)

func TestChoiceSyncPlansCreateAndUpdate(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_choice": {
			{"name": "u_dm_host", "element": "u_status", "value": "1", "label": "Old Active", "inactive": "false", "sys_id": "c1"},
			{"name": "u_dm_host", "element": "u_status", "value": "2", "label": "Retired", "inactive": "false", "sys_id": "c2"},
		},
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	choice := NewChoice(gw, nil)

	desired := map[string]string{
		"1": "Active", // label differs -> update
		"2": "Retired", // unchanged
		"3": "New",     // absent -> create
	}
	actions, err := choice.Sync(context.Background(), "u_dm_host", "u_status", desired, false)
	require.NoError(t, err)

	kinds := map[ActionKind]int{}
	for _, a := range actions {
		kinds[a.Kind]++
	}
	assert.Equal(t, 1, kinds[ActionCreate])
	assert.Equal(t, 1, kinds[ActionUpdate])
	// value "2" in existing isn't in desired's delete set because it IS
	// desired; nothing in existing is absent from desired here, so no
	// deletes are planned.
	assert.Equal(t, 0, kinds[ActionDelete])
}

func TestChoiceSyncPlansDeleteForRemovedValue(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_choice": {
			{"name": "u_dm_host", "element": "u_status", "value": "9", "label": "Obsolete", "inactive": "false", "sys_id": "c9"},
		},
	}}
	gw := gateway.New(gateway.Config{Transport: doer})
	choice := NewChoice(gw, nil)

	actions, err := choice.Sync(context.Background(), "u_dm_host", "u_status", map[string]string{}, false)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDelete, actions[0].Kind)
}
