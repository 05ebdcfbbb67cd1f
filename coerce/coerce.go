// Package coerce converts row values between their typed Go form and the
// stringly-typed wire form the remote table API speaks, driven by a
// table's schema.Table. Decoding and encoding are independent: decoding
// is tolerant of two date formats, encoding always emits one canonical
// form.
package coerce

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/schema"
)

// DefaultArrayConcurrency bounds how many rows of an array are coerced
// concurrently by DecodeRows/EncodeRows.
const DefaultArrayConcurrency = 16

// dateUTCLayout is the one layout ever produced on encode, and the first
// layout tried on decode.
const dateUTCLayout = "2006-01-02 15:04:05"

// dateDisplayLayout is the secondary, locale/display layout accepted on
// decode only (DD-MM-YYYY HH:MM:SS).
const dateDisplayLayout = "02-01-2006 15:04:05"

var guidPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// IsGUID reports whether s is a 32-character lowercase hex sys_id.
func IsGUID(s string) bool {
	return guidPattern.MatchString(s)
}

// Row is a single record, keyed by column name (possibly dotted for
// nested reference lookups on decode).
type Row map[string]interface{}

// DecodeValue converts one wire-form value (always a string, or nil) into
// its typed Go form per entry.Type. choiceList additionally tolerates a
// non-numeric display string for integer/long columns.
func DecodeValue(entry schema.Entry, wire interface{}) (interface{}, error) {
	if wire == nil {
		return nil, nil
	}
	s, ok := wire.(string)
	if !ok {
		// Reference columns may arrive as a nested link object
		// ({"value":..., "link":...}); pass those through untouched.
		return wire, nil
	}

	switch entry.Type {
	case "boolean":
		switch s {
		case "true":
			return true, nil
		case "false", "":
			return false, nil
		default:
			return nil, errs.New(errs.KindCoercion, "column %s: %q is not a boolean", entry.Name, s)
		}

	case "integer", "long":
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			if entry.ChoiceList {
				return s, nil
			}
			return nil, errs.New(errs.KindCoercion, "column %s: %q is not an integer", entry.Name, s)
		}
		return n, nil

	case "float":
		if s == "" {
			return 0.0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errs.New(errs.KindCoercion, "column %s: %q is not a float", entry.Name, s)
		}
		return f, nil

	case "decimal":
		if s == "" {
			return 0.0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errs.New(errs.KindCoercion, "column %s: %q is not a decimal", entry.Name, s)
		}
		return f, nil

	case "glide_date_time":
		if s == "" {
			return nil, nil
		}
		if t, err := time.Parse(dateUTCLayout, s); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.Parse(dateDisplayLayout, s); err == nil {
			return t, nil
		}
		return nil, errs.New(errs.KindCoercion, "column %s: %q matches neither accepted date format", entry.Name, s)

	case "string", "text", "html", "url":
		return s, nil

	case "reference", "glide_list":
		if s == "" || IsGUID(s) {
			return s, nil
		}
		return nil, errs.New(errs.KindCoercion, "column %s: %q is not a valid sys_id", entry.Name, s)

	default:
		return s, nil
	}
}

// EncodeValue converts one typed Go value into its wire-form string per
// entry.Type. warn, if non-nil, is invoked when a string value is
// truncated to max_length.
func EncodeValue(entry schema.Entry, typed interface{}, warn func(msg string)) (string, error) {
	if typed == nil {
		if entry.Type == "boolean" {
			return "0", nil
		}
		return "", nil
	}

	switch entry.Type {
	case "boolean":
		b, ok := typed.(bool)
		if !ok {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not a bool", entry.Name, typed)
		}
		if b {
			return "1", nil
		}
		return "0", nil

	case "integer", "long":
		f, err := toFloat(typed)
		if err != nil {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not numeric", entry.Name, typed)
		}
		return strconv.Itoa(int(math.Round(f))), nil

	case "float":
		f, err := toFloat(typed)
		if err != nil {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not numeric", entry.Name, typed)
		}
		return strconv.FormatFloat(round(f, 7), 'f', -1, 64), nil

	case "decimal":
		f, err := toFloat(typed)
		if err != nil {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not numeric", entry.Name, typed)
		}
		return strconv.FormatFloat(round(f, 2), 'f', 2, 64), nil

	case "glide_date_time":
		t, ok := typed.(time.Time)
		if !ok {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not a time.Time", entry.Name, typed)
		}
		return t.UTC().Truncate(time.Second).Format(dateUTCLayout), nil

	case "string", "text", "html", "url":
		s := fmt.Sprintf("%v", typed)
		if entry.MaxLength > 0 && len(s) > entry.MaxLength {
			if warn != nil {
				warn(fmt.Sprintf("column %s: truncating value from %d to %d characters", entry.Name, len(s), entry.MaxLength))
			}
			s = s[:entry.MaxLength]
		}
		return s, nil

	case "reference", "glide_list":
		s, ok := typed.(string)
		if !ok {
			return "", errs.New(errs.KindCoercion, "column %s: %v is not a string sys_id", entry.Name, typed)
		}
		if s != "" && !IsGUID(s) {
			return "", errs.New(errs.KindCoercion, "column %s: %q is not a valid sys_id", entry.Name, s)
		}
		return s, nil

	default:
		return fmt.Sprintf("%v", typed), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func round(f float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(f*mult) / mult
}

// DecodeRow converts every column in wire present in table from its wire
// form to typed form. Dotted keys (a.b.c) are resolved by walking
// reference columns in table via resolveNested, building a nested Row.
func DecodeRow(table schema.Table, wire map[string]interface{}, resolveNested func(referenceTable string) (schema.Table, error)) (Row, error) {
	out := make(Row, len(wire))
	for key, raw := range wire {
		head, rest, nested := strings.Cut(key, ".")
		entry, ok := table[head]
		if !ok {
			// Unknown columns pass through untouched rather than erroring;
			// the remote occasionally returns computed/virtual fields.
			out[key] = raw
			continue
		}
		if !nested {
			v, err := DecodeValue(entry, raw)
			if err != nil {
				return nil, err
			}
			out[head] = v
			continue
		}
		if resolveNested == nil || entry.ReferenceTable == "" {
			out[key] = raw
			continue
		}
		childTable, err := resolveNested(entry.ReferenceTable)
		if err != nil {
			return nil, err
		}
		childWire, _ := raw.(map[string]interface{})
		if childWire == nil {
			childWire = map[string]interface{}{rest: raw}
		}
		childRow, err := DecodeRow(childTable, childWire, resolveNested)
		if err != nil {
			return nil, err
		}
		existing, _ := out[head].(Row)
		if existing == nil {
			existing = Row{}
		}
		for k, v := range childRow {
			existing[k] = v
		}
		out[head] = existing
	}
	return out, nil
}

// EncodeRow converts every column in typed into its wire form per table.
// Writes are always flat; dotted/nested keys are not produced.
func EncodeRow(table schema.Table, typed Row, warn func(msg string)) (map[string]string, error) {
	out := make(map[string]string, len(typed))
	for key, value := range typed {
		entry, ok := table[key]
		if !ok {
			return nil, errs.New(errs.KindCoercion, "column %s: not present in table schema", key)
		}
		s, err := EncodeValue(entry, value, warn)
		if err != nil {
			return nil, err
		}
		out[key] = s
	}
	return out, nil
}

// DecodeRows decodes each wire row in rows against table concurrently,
// bounded by DefaultArrayConcurrency. The first error encountered wins;
// later errors are discarded.
func DecodeRows(ctx context.Context, table schema.Table, rows []map[string]interface{}, resolveNested func(string) (schema.Table, error)) ([]Row, error) {
	out := make([]Row, len(rows))
	sem := semaphore.NewWeighted(DefaultArrayConcurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(idx int) {
			defer sem.Release(1)
			defer wg.Done()

			row, err := DecodeRow(table, rows[idx], resolveNested)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out[idx] = row
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// EncodeRows encodes each typed row in rows against table concurrently,
// bounded by DefaultArrayConcurrency.
func EncodeRows(ctx context.Context, table schema.Table, rows []Row, warn func(msg string)) ([]map[string]string, error) {
	out := make([]map[string]string, len(rows))
	sem := semaphore.NewWeighted(DefaultArrayConcurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(idx int) {
			defer sem.Release(1)
			defer wg.Done()

			wire, err := EncodeRow(table, rows[idx], warn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out[idx] = wire
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
