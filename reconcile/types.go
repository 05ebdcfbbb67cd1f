// Package reconcile implements the Table, Column, Choice, Data-Policy
// and Relationship sub-reconcilers: they each compute a diff between a
// caller-supplied desired descriptor and the remote's current state,
// and produce an ordered list of PendingActions a caller commits.
package reconcile

import "context"

// ChoiceMode enumerates how strict a column's choice list is.
type ChoiceMode string

const (
	ChoiceOff        ChoiceMode = "off"
	ChoiceNullable   ChoiceMode = "nullable"
	ChoiceSuggestion ChoiceMode = "suggestion"
	ChoiceRequired   ChoiceMode = "required"
)

// choiceModeCode is the string↔integer mapping the remote dictionary
// record uses for the "choice" attribute.
var choiceModeCode = map[ChoiceMode]string{
	ChoiceOff:        "0",
	ChoiceNullable:   "1",
	ChoiceSuggestion: "2",
	ChoiceRequired:   "3",
}

var codeToChoiceMode = map[string]ChoiceMode{
	"":  ChoiceOff,
	"0": ChoiceOff,
	"1": ChoiceNullable,
	"2": ChoiceSuggestion,
	"3": ChoiceRequired,
}

// DataPolicy enumerates a column's write policy.
type DataPolicy string

const (
	PolicyReadonly DataPolicy = "readonly"
	PolicyWritable DataPolicy = "writable"
)

// Column is one column of a table descriptor, merged from the table's
// own sys_dictionary row plus any ancestor it inherits from.
type Column struct {
	Name           string
	Label          string
	Type           string
	MaxLength      int
	ReferenceTable string
	ChoiceMap      map[string]string
	ChoiceMode     ChoiceMode
	DataPolicy     DataPolicy
	Syncback       bool
	CreatedBy      string

	// Table is the deepest (most-specific) ancestor defining this
	// column.
	Table string
	// Overridden is true when more than one ancestor in the hierarchy
	// defines this column name.
	Overridden bool
}

// TableDescriptor is a flattened view of a table and its ancestor
// chain: the first occurrence of a column wins for structural fields,
// but later (more-specific) ancestors overwrite table, labels and
// document strings.
type TableDescriptor struct {
	Name         string
	Label        string
	Parent       string
	IsExtendable bool
	GlobalID     string
	Columns      map[string]Column
}

// ActionKind classifies a PendingAction.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionUpdate
	ActionDelete
	ActionError
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionError:
		return "error"
	default:
		return "unknown"
	}
}

// PendingAction is one unit of planned work: a reconciler's planning
// phase produces a list of these; a caller executes them in order via
// Commit. ActionError actions carry no Commit and exist purely to
// surface a validation failure alongside whatever did plan cleanly.
type PendingAction struct {
	Name        string
	Kind        ActionKind
	Description string
	Commit      func(ctx context.Context) error
}
