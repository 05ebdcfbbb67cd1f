package reconcile

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
)

// policyRuleRow is the subset of a sys_data_policy_rule row
// DeleteStaleRules needs, decoded via mapstructure from the gateway's
// generic map[string]interface{} result rather than re-asserting each
// field by hand.
type policyRuleRow struct {
	SysID string `mapstructure:"sys_id"`
	Field string `mapstructure:"field"`
}

// Policy is the Data-Policy sub-reconciler: it ensures each table has at
// most one user-owned sys_data_policy2 record and diffs per-column
// sys_data_policy_rule rows by field.
type Policy struct {
	gw                *gateway.Gateway
	logger            hclog.Logger
	authenticatedUser string
}

// NewPolicy creates a Policy sub-reconciler driven by gw. authenticatedUser,
// when set via WithUser, scopes the policy's ownership condition;
// without it, EnsurePolicy fails with a configuration error, and so
// does SyncColumn, which calls it.
func NewPolicy(gw *gateway.Gateway, logger hclog.Logger) *Policy {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Policy{gw: gw, logger: logger.Named("reconcile.policy")}
}

// WithUser returns a copy of p scoped to authenticatedUser, the account
// whose sys_user_name appears in the policy's ownership condition.
func (p *Policy) WithUser(authenticatedUser string) *Policy {
	clone := *p
	clone.authenticatedUser = authenticatedUser
	return &clone
}

// EnsurePolicy ensures the table's user-owned sys_data_policy2 record
// exists with the canonical fields, returning its sys_id.
func (p *Policy) EnsurePolicy(ctx context.Context, table string) (string, error) {
	if p.authenticatedUser == "" {
		return "", errs.New(errs.KindConfiguration, "policy reconciler: authenticated user required to ensure a data policy")
	}
	condition := fmt.Sprintf("sys_created_by=%s^EQ", p.authenticatedUser)
	existing, err := p.findPolicy(ctx, table, condition)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	if _, err := p.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   "/v2/table/sys_data_policy2",
		Body: map[string]string{
			"apply_import_set":  "true",
			"apply_soap":        "false",
			"enforce_ui":        "true",
			"inherit":           "false",
			"short_description": fmt.Sprintf("%s managed data policy", table),
			"condition":         condition,
			"table":             table,
		},
	}); err != nil {
		return "", err
	}

	// A successful create returns HTTP 201, which transport.interpret
	// treats as an empty body: re-query by the same ownership condition
	// to recover the sys_id the create just minted.
	created, err := p.findPolicy(ctx, table, condition)
	if err != nil {
		return "", err
	}
	if created == "" {
		return "", errs.New(errs.KindProtocol, "table %s: data policy create did not produce a matching row", table)
	}
	return created, nil
}

func (p *Policy) findPolicy(ctx context.Context, table, condition string) (string, error) {
	result, err := p.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/sys_data_policy2",
		Query:  map[string]string{"sysparm_query": fmt.Sprintf("table=%s^condition=%s", table, condition)},
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

// SyncColumn diffs the desired per-column data-policy rule by field and,
// if commit is true, creates or updates the sys_data_policy_rule row.
func (p *Policy) SyncColumn(ctx context.Context, table, field string, desired DataPolicy, commit bool) error {
	policyID, err := p.EnsurePolicy(ctx, table)
	if err != nil {
		return err
	}

	existing, err := p.findRule(ctx, table, field)
	if err != nil {
		return err
	}

	disabled := "false"
	if desired == PolicyReadonly {
		disabled = "true"
	}
	body := map[string]string{
		"field":           field,
		"table":           table,
		"disabled":        disabled,
		"mandatory":       "ignore",
		"sys_data_policy2": policyID,
	}

	if !commit {
		return nil
	}
	if existing == "" {
		_, err := p.gw.Do(ctx, &gateway.Request{Method: http.MethodPost, Path: "/v2/table/sys_data_policy_rule", Body: body})
		return err
	}
	_, err = p.gw.Do(ctx, &gateway.Request{Method: http.MethodPut, Path: "/v2/table/sys_data_policy_rule/" + existing, Body: body})
	return err
}

func (p *Policy) findRule(ctx context.Context, table, field string) (string, error) {
	result, err := p.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/sys_data_policy_rule",
		Query:  map[string]string{"sysparm_query": fmt.Sprintf("table=%s^field=%s", table, field)},
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

// DeleteStaleRules removes sys_data_policy_rule rows for fields no
// longer present in desired. Opt-in: callers invoke it explicitly
// rather than it running as part of every SyncColumn.
func (p *Policy) DeleteStaleRules(ctx context.Context, table string, desiredFields map[string]bool) error {
	result, err := p.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/sys_data_policy_rule",
		Query:  map[string]string{"sysparm_query": "table=" + table},
	})
	if err != nil {
		return err
	}
	if result.Raw == nil || result.Raw.JSON == nil {
		return nil
	}
	list, _ := result.Raw.JSON["result"].([]interface{})
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var row policyRuleRow
		if err := mapstructure.Decode(m, &row); err != nil {
			continue
		}
		if desiredFields[row.Field] {
			continue
		}
		if _, err := p.gw.Do(ctx, &gateway.Request{
			Method: http.MethodDelete,
			Path:   "/v2/table/sys_data_policy_rule/" + row.SysID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Toggle flips the table's user-owned data policy active flag. It is
// intended to bracket bulk row writes: Toggle(ctx, table, false) before,
// Toggle(ctx, table, true) after, on every exit path.
func (p *Policy) Toggle(ctx context.Context, table string, active bool) error {
	condition := fmt.Sprintf("sys_created_by=%s^EQ", p.authenticatedUser)
	policyID, err := p.findPolicy(ctx, table, condition)
	if err != nil {
		return err
	}
	if policyID == "" {
		// No owned policy to toggle is not an error: a table with no
		// managed policy simply has nothing to bracket.
		return nil
	}
	_, err = p.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPut,
		Path:   "/v2/table/sys_data_policy2/" + policyID,
		Body:   map[string]string{"active": boolStr(active)},
	})
	return err
}

// WithToggle runs fn with the table's data policy toggled inactive,
// restoring it afterward on every exit path including a panic or a
// cancelled context, bracketing delta-merge write phases.
func WithToggle(ctx context.Context, p *Policy, table string, fn func(ctx context.Context) error) (err error) {
	if toggleErr := p.Toggle(ctx, table, false); toggleErr != nil {
		return toggleErr
	}
	defer func() {
		restoreErr := p.Toggle(context.WithoutCancel(ctx), table, true)
		if err == nil {
			err = restoreErr
		}
	}()
	return fn(ctx)
}
