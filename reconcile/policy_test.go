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

func TestEnsurePolicyRequiresAuthenticatedUser(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{}}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil)

	_, err := policy.EnsurePolicy(context.Background(), "u_dm_host")
	require.Error(t, err)
}

func TestEnsurePolicyReturnsExistingWithoutCreating(t *testing.T) {
	var created bool
	doer := &recordingDoer{
		scriptedDoer: scriptedDoer{byPath: map[string][]map[string]interface{}{
			"/v2/table/sys_data_policy2": {{"sys_id": "5c4a2e5a93a012007e8dbab9cb9a71a9", "table": "u_dm_host", "condition": "sys_created_by=alice"}},
		}},
		onCreate: func(path string) { created = true },
	}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil).WithUser("alice")

	id, err := policy.EnsurePolicy(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Equal(t, "5c4a2e5a93a012007e8dbab9cb9a71a9", id)
	assert.False(t, created)
}

// creatingPolicyDoer answers EnsurePolicy's create flow: the initial
// lookup finds nothing, the POST returns an empty 201-shaped body (as
// transport.interpret always does for a create), and a subsequent
// lookup by the same condition finds the row the POST minted.
type creatingPolicyDoer struct {
	created bool
}

func (d *creatingPolicyDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	switch {
	case req.Method == http.MethodPost && req.Path == "/v2/table/sys_data_policy2":
		d.created = true
		return &transport.Response{Kind: transport.KindEmpty}, nil
	case req.Method == http.MethodGet && req.Path == "/v2/table/sys_data_policy2":
		if !d.created {
			return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{"result": []interface{}{}}}, nil
		}
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{
			"result": []interface{}{map[string]interface{}{"sys_id": "5c4a2e5a93a012007e8dbab9cb9a71a9", "table": "u_dm_host"}},
		}}, nil
	default:
		return &transport.Response{Kind: transport.KindEmpty}, nil
	}
}

func TestEnsurePolicyRecoversSysIDAfterCreate(t *testing.T) {
	doer := &creatingPolicyDoer{}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil).WithUser("alice")

	id, err := policy.EnsurePolicy(context.Background(), "u_dm_host")
	require.NoError(t, err)
	assert.Equal(t, "5c4a2e5a93a012007e8dbab9cb9a71a9", id)
	assert.True(t, doer.created)
}

func TestToggleIsNoOpWhenNoOwnedPolicy(t *testing.T) {
	doer := &scriptedDoer{byPath: map[string][]map[string]interface{}{}}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil).WithUser("alice")

	err := policy.Toggle(context.Background(), "u_dm_host", false)
	require.NoError(t, err)
}

func TestDeleteStaleRulesRemovesFieldsNotInDesired(t *testing.T) {
	var deleted []string
	base := scriptedDoer{byPath: map[string][]map[string]interface{}{
		"/v2/table/sys_data_policy_rule": {
			{"sys_id": "5c4a2e5a93a012007e8dbab9cb9a71a9", "field": "u_name", "table": "u_dm_host"},
			{"sys_id": "6c4a2e5a93a012007e8dbab9cb9a71a9", "field": "u_stale", "table": "u_dm_host"},
		},
	}}
	doer := &deletingDoer{scriptedDoer: base, record: func(path string) { deleted = append(deleted, path) }}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil)

	err := policy.DeleteStaleRules(context.Background(), "u_dm_host", map[string]bool{"u_name": true})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "/v2/table/sys_data_policy_rule/6c4a2e5a93a012007e8dbab9cb9a71a9", deleted[0])
}

func TestWithToggleRestoresOnError(t *testing.T) {
	var toggles []string
	doer := &togglingDoer{
		policyID: "5c4a2e5a93a012007e8dbab9cb9a71a9",
		record:   func(active string) { toggles = append(toggles, active) },
	}
	gw := gateway.New(gateway.Config{Transport: doer})
	policy := NewPolicy(gw, nil).WithUser("alice")

	sentinelErr := assert.AnError
	err := WithToggle(context.Background(), policy, "u_dm_host", func(ctx context.Context) error {
		return sentinelErr
	})
	require.ErrorIs(t, err, sentinelErr)
	require.Len(t, toggles, 2)
	assert.Equal(t, "false", toggles[0])
	assert.Equal(t, "true", toggles[1])
}
