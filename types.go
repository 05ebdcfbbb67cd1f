package servicenow

import (
	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/reconcile"
	"github.com/anguspalmer/servicenow/rowmerge"
	"github.com/anguspalmer/servicenow/schema"
)

// Row is one record keyed by column name, in its typed (decoded) form.
type Row = coerce.Row

// TableSchema is a table's column dictionary as reported by the SCHEMA
// endpoint.
type TableSchema = schema.Table

// SchemaEntry describes one remote column.
type SchemaEntry = schema.Entry

// TableDescriptor is a flattened table descriptor merged across its
// super_class ancestor chain.
type TableDescriptor = reconcile.TableDescriptor

// ColumnDescriptor is one column of a TableDescriptor.
type ColumnDescriptor = reconcile.Column

// PendingAction is one unit of planned structural work returned by a
// sub-reconciler's planning phase.
type PendingAction = reconcile.PendingAction

// ChoiceMode enumerates how strict a column's choice list is.
type ChoiceMode = reconcile.ChoiceMode

// DataPolicy enumerates a column's write policy.
type DataPolicy = reconcile.DataPolicy

// PrimaryKey selects how MergeRows derives an incoming row's identity.
// See rowmerge.PrimaryKey for the accepted variants.
type PrimaryKey = rowmerge.PrimaryKey

// MergeResult summarizes one row delta-merge.
type MergeResult = rowmerge.Result

const (
	ChoiceOff        = reconcile.ChoiceOff
	ChoiceNullable   = reconcile.ChoiceNullable
	ChoiceSuggestion = reconcile.ChoiceSuggestion
	ChoiceRequired   = reconcile.ChoiceRequired

	PolicyReadonly = reconcile.PolicyReadonly
	PolicyWritable = reconcile.PolicyWritable
)

const (
	ActionCreate = reconcile.ActionCreate
	ActionUpdate = reconcile.ActionUpdate
	ActionDelete = reconcile.ActionDelete
	ActionError  = reconcile.ActionError
)
