package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/iancoleman/strcase"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
)

// NormalizeColumnName converts a human label such as "Host Name" into
// the u_-prefixed snake_case field name a caller can hand to Plan,
// leaving already-normalized names (u_-prefixed or built-in sys_/other
// reserved columns) untouched.
func NormalizeColumnName(label string) string {
	if strings.HasPrefix(label, "u_") || strings.HasPrefix(label, "sys_") {
		return label
	}
	return "u_" + strcase.ToSnake(label)
}

// ColumnReconciler is the Column sub-reconciler: it diffs one desired
// column against the existing merged table descriptor and produces the
// single PendingAction that covers it: a create, an update, an
// ActionError when the change is blocked (prefix, inheritance or an
// immutable field), or an ActionUpdate with a no-op Commit when nothing
// differs. Deletes are planned separately by PlanDeletes.
type ColumnReconciler struct {
	gw     *gateway.Gateway
	logger hclog.Logger
}

// NewColumn creates a ColumnReconciler driven by gw.
func NewColumn(gw *gateway.Gateway, logger hclog.Logger) *ColumnReconciler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ColumnReconciler{gw: gw, logger: logger.Named("reconcile.column")}
}

// Plan computes the single PendingAction for desired against the
// table's existing merged columns.
func (c *ColumnReconciler) Plan(table string, desired Column, existing map[string]Column) PendingAction {
	existingCol, ok := existing[desired.Name]
	if !ok {
		if !strings.HasPrefix(desired.Name, "u_") {
			return PendingAction{
				Name:        desired.Name,
				Kind:        ActionError,
				Description: fmt.Sprintf("column %s: user-defined columns must begin with u_", desired.Name),
			}
		}
		return c.planCreate(table, desired)
	}

	if existingCol.Overridden && existingCol.Table != table {
		return PendingAction{
			Name:        desired.Name,
			Kind:        ActionError,
			Description: fmt.Sprintf("column %s: inherited from %s, cannot be updated on %s", desired.Name, existingCol.Table, table),
		}
	}
	if !strings.HasPrefix(desired.Name, "u_") {
		return PendingAction{
			Name:        desired.Name,
			Kind:        ActionError,
			Description: fmt.Sprintf("column %s: only u_-prefixed columns may be updated", desired.Name),
		}
	}
	if desired.Type != "" && existingCol.Type != "" && desired.Type != existingCol.Type {
		return PendingAction{
			Name:        desired.Name,
			Kind:        ActionError,
			Description: fmt.Sprintf("column %s: type is immutable (existing=%s desired=%s)", desired.Name, existingCol.Type, desired.Type),
		}
	}
	if desired.ReferenceTable != "" && existingCol.ReferenceTable != "" && desired.ReferenceTable != existingCol.ReferenceTable {
		return PendingAction{
			Name:        desired.Name,
			Kind:        ActionError,
			Description: fmt.Sprintf("column %s: reference_table is immutable (existing=%s desired=%s)", desired.Name, existingCol.ReferenceTable, desired.ReferenceTable),
		}
	}

	if !columnDiffers(desired, existingCol) {
		return PendingAction{Name: desired.Name, Kind: ActionUpdate, Description: fmt.Sprintf("column %s: unchanged", desired.Name), Commit: noopCommit}
	}
	return c.planUpdate(table, desired)
}

func columnDiffers(desired, existing Column) bool {
	if desired.Label != "" && desired.Label != existing.Label {
		return true
	}
	if desired.MaxLength != 0 && desired.MaxLength != existing.MaxLength {
		return true
	}
	if desired.ChoiceMode != "" && desired.ChoiceMode != existing.ChoiceMode {
		return true
	}
	if desired.ChoiceMap != nil && !reflect.DeepEqual(desired.ChoiceMap, existing.ChoiceMap) {
		return true
	}
	if desired.DataPolicy != "" && desired.DataPolicy != existing.DataPolicy {
		return true
	}
	return false
}

func (c *ColumnReconciler) planCreate(table string, desired Column) PendingAction {
	return PendingAction{
		Name:        desired.Name,
		Kind:        ActionCreate,
		Description: fmt.Sprintf("create column %s.%s", table, desired.Name),
		Commit: func(ctx context.Context) error {
			body := map[string]string{
				"name":          table,
				"element":       desired.Name,
				"column_label":  desired.Label,
				"internal_type": desired.Type,
				"reference":     desired.ReferenceTable,
				"choice":        choiceModeCode[desired.ChoiceMode],
			}
			if _, err := c.gw.Do(ctx, &gateway.Request{Method: http.MethodPost, Path: "/v2/table/sys_dictionary", Body: body}); err != nil {
				return err
			}
			return c.syncAttached(ctx, table, desired)
		},
	}
}

func (c *ColumnReconciler) planUpdate(table string, desired Column) PendingAction {
	return PendingAction{
		Name:        desired.Name,
		Kind:        ActionUpdate,
		Description: fmt.Sprintf("update column %s.%s", table, desired.Name),
		Commit: func(ctx context.Context) error {
			sysID, err := c.findDictionaryRow(ctx, table, desired.Name)
			if err != nil {
				return err
			}
			if sysID == "" {
				return errs.New(errs.KindOperational, "column %s.%s: sys_dictionary row not found", table, desired.Name)
			}
			body := map[string]string{
				"column_label": desired.Label,
				"choice":       choiceModeCode[desired.ChoiceMode],
			}
			if _, err := c.gw.Do(ctx, &gateway.Request{
				Method: http.MethodPut,
				Path:   "/v2/table/sys_dictionary/" + sysID,
				Body:   body,
			}); err != nil {
				return err
			}
			return c.syncAttached(ctx, table, desired)
		},
	}
}

// findDictionaryRow looks up the sys_id of the sys_dictionary row for
// table.column, the same name=^element= lookup Choice.fetchExisting
// performs for sys_choice rows. Table-API writes require the real
// sys_id in the path; the column name itself is never a valid id.
func (c *ColumnReconciler) findDictionaryRow(ctx context.Context, table, column string) (string, error) {
	result, err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/sys_dictionary",
		Query:  map[string]string{"sysparm_query": fmt.Sprintf("name=%s^element=%s", table, column)},
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

// syncAttached triggers the choice-list and data-policy syncs a column
// create/update also performs, when those attributes are present.
func (c *ColumnReconciler) syncAttached(ctx context.Context, table string, desired Column) error {
	if len(desired.ChoiceMap) > 0 {
		choice := NewChoice(c.gw, c.logger)
		if _, err := choice.Sync(ctx, table, desired.Name, desired.ChoiceMap, true); err != nil {
			return err
		}
	}
	if desired.DataPolicy != "" {
		policy := NewPolicy(c.gw, c.logger)
		if err := policy.SyncColumn(ctx, table, desired.Name, desired.DataPolicy, true); err != nil {
			return err
		}
	}
	return nil
}

func noopCommit(ctx context.Context) error { return nil }

// PlanDeletes computes delete actions for every existing column that:
// starts with u_, is absent from desired, is defined on this table (not
// inherited), and was created by the authenticated user.
func (c *ColumnReconciler) PlanDeletes(table string, existing map[string]Column, desired map[string]Column, authenticatedUser string) []PendingAction {
	var actions []PendingAction
	for name, col := range existing {
		if !strings.HasPrefix(name, "u_") {
			continue
		}
		if _, wanted := desired[name]; wanted {
			continue
		}
		if col.Table != table {
			continue
		}
		if col.CreatedBy != authenticatedUser {
			continue
		}
		actions = append(actions, PendingAction{
			Name:        name,
			Kind:        ActionDelete,
			Description: fmt.Sprintf("delete column %s.%s", table, name),
			Commit: func(ctx context.Context) error {
				sysID, err := c.findDictionaryRow(ctx, table, name)
				if err != nil {
					return err
				}
				if sysID == "" {
					return errs.New(errs.KindOperational, "column %s.%s: sys_dictionary row not found", table, name)
				}
				_, err = c.gw.Do(ctx, &gateway.Request{
					Method: http.MethodDelete,
					Path:   "/v2/table/sys_dictionary/" + sysID,
				})
				return err
			},
		})
	}
	return actions
}
