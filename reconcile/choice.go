package reconcile

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/gateway"
)

// Choice is the Choice-list sub-reconciler: for a (table, column, map
// value->label) it diffs against the existing sys_choice rows and plans
// create/update/delete against sys_choice, indexed by value.
type Choice struct {
	gw     *gateway.Gateway
	logger hclog.Logger
}

// NewChoice creates a Choice sub-reconciler driven by gw.
func NewChoice(gw *gateway.Gateway, logger hclog.Logger) *Choice {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Choice{gw: gw, logger: logger.Named("reconcile.choice")}
}

// Sync diffs desired (value -> label) against the table/column's
// existing sys_choice rows and, if commit is true, executes the
// resulting plan. It always returns the plan.
func (c *Choice) Sync(ctx context.Context, table, column string, desired map[string]string, commit bool) ([]PendingAction, error) {
	existing, err := c.fetchExisting(ctx, table, column)
	if err != nil {
		return nil, err
	}

	var actions []PendingAction
	for value, label := range desired {
		row, ok := existing[value]
		if !ok {
			actions = append(actions, c.planCreate(table, column, value, label))
			continue
		}
		if stringField(row, "label") != label || stringField(row, "inactive") != "false" {
			actions = append(actions, c.planUpdate(stringField(row, "sys_id"), table, column, value, label))
		}
	}
	for value, row := range existing {
		if _, wanted := desired[value]; !wanted {
			actions = append(actions, c.planDelete(stringField(row, "sys_id"), table, column, value))
		}
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

func (c *Choice) fetchExisting(ctx context.Context, table, column string) (map[string]map[string]interface{}, error) {
	result, err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/sys_choice",
		Query:  map[string]string{"sysparm_query": fmt.Sprintf("name=%s^element=%s", table, column)},
	})
	if err != nil {
		return nil, err
	}
	if result.Raw == nil || result.Raw.JSON == nil {
		return map[string]map[string]interface{}{}, nil
	}
	list, _ := result.Raw.JSON["result"].([]interface{})
	out := make(map[string]map[string]interface{}, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out[stringField(m, "value")] = m
	}
	return out, nil
}

func (c *Choice) planCreate(table, column, value, label string) PendingAction {
	return PendingAction{
		Name:        value,
		Kind:        ActionCreate,
		Description: fmt.Sprintf("create choice %s.%s=%s", table, column, value),
		Commit: func(ctx context.Context) error {
			_, err := c.gw.Do(ctx, &gateway.Request{
				Method: http.MethodPost,
				Path:   "/v2/table/sys_choice",
				Body: map[string]string{
					"name": table, "element": column,
					"value": value, "label": label, "inactive": "false",
				},
			})
			return err
		},
	}
}

func (c *Choice) planUpdate(sysID, table, column, value, label string) PendingAction {
	return PendingAction{
		Name:        value,
		Kind:        ActionUpdate,
		Description: fmt.Sprintf("update choice %s.%s=%s", table, column, value),
		Commit: func(ctx context.Context) error {
			_, err := c.gw.Do(ctx, &gateway.Request{
				Method: http.MethodPut,
				Path:   "/v2/table/sys_choice/" + sysID,
				Body:   map[string]string{"label": label, "inactive": "false"},
			})
			return err
		},
	}
}

func (c *Choice) planDelete(sysID, table, column, value string) PendingAction {
	return PendingAction{
		Name:        value,
		Kind:        ActionDelete,
		Description: fmt.Sprintf("delete choice %s.%s=%s", table, column, value),
		Commit: func(ctx context.Context) error {
			_, err := c.gw.Do(ctx, &gateway.Request{
				Method: http.MethodDelete,
				Path:   "/v2/table/sys_choice/" + sysID,
			})
			return err
		},
	}
}
