package rowmerge

import (
	"context"
	"fmt"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
	"github.com/anguspalmer/servicenow/schema"
)

// applyReferenceLookups fetches the (sys_id, field) pairs for every
// referenced table named in lookups once, then rewrites each incoming
// row's value for that column from business key to sys_id, logging and
// blanking anything unmatched.
func (m *Merger) applyReferenceLookups(ctx context.Context, table schema.Table, lookups map[string]string, rows []map[string]interface{}) error {
	for column, field := range lookups {
		entry, ok := table[column]
		if !ok {
			return errs.New(errs.KindRequestValidation, "reference lookup: column %s is not in table schema", column)
		}
		if entry.ReferenceTable == "" {
			return errs.New(errs.KindRequestValidation, "reference lookup: column %s is not a reference column", column)
		}
		index, err := m.buildReferenceIndex(ctx, entry.ReferenceTable, field)
		if err != nil {
			return err
		}
		for _, row := range rows {
			v, ok := row[column]
			if !ok {
				continue
			}
			key := fmt.Sprintf("%v", v)
			if key == "" {
				continue
			}
			sysID, found := index[key]
			if !found {
				m.logger.Warn("reference lookup miss", "column", column, "table", entry.ReferenceTable, "field", field, "value", key)
				row[column] = ""
				continue
			}
			row[column] = sysID
		}
	}
	return nil
}

// buildReferenceIndex fetches every (sys_id, field) pair on table and
// returns a map from the field's value to sys_id.
func (m *Merger) buildReferenceIndex(ctx context.Context, table, field string) (map[string]string, error) {
	rows, err := m.gw.GetRecords(ctx, gateway.GetRecordsOptions{
		Table:      table,
		Projection: []gateway.Rename{{From: "sys_id", To: "sys_id"}, {From: field, To: field}},
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindOperational, err, "reference lookup: fetching %s", table)
	}
	index := make(map[string]string, len(rows))
	for _, row := range rows {
		sysID, _ := row["sys_id"].(string)
		value := fmt.Sprintf("%v", row[field])
		if sysID == "" || value == "" {
			continue
		}
		index[value] = sysID
	}
	return index, nil
}
