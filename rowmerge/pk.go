package rowmerge

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// PrimaryKey selects how an incoming row's identity is derived from its
// encoded (wire) form. The zero value (nil passed as PrimaryKey) falls
// back to hashing every u_-prefixed field.
//
// A caller passes one of:
//   - a plain string: the wire field to use verbatim as the key
//   - a []string: the wire fields to concatenate and hash
//   - nil: hash all u_-prefixed fields
type PrimaryKey interface{}

// resolveKey computes the primary key for one encoded row: a string
// field pick, an md5 of sorted "field=value" pairs for a field list,
// or (absent) an md5 of every u_-prefixed field sorted the same way.
// An empty result means the row could not be keyed.
func resolveKey(pk PrimaryKey, wire map[string]string) string {
	switch key := pk.(type) {
	case string:
		return wire[key]
	case []string:
		return hashFields(wire, key)
	case nil:
		var fields []string
		for k := range wire {
			if strings.HasPrefix(k, "u_") {
				fields = append(fields, k)
			}
		}
		return hashFields(wire, fields)
	default:
		return ""
	}
}

func hashFields(wire map[string]string, fields []string) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, f := range sorted {
		fmt.Fprintf(&b, "%s=%s;", f, wire[f])
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
