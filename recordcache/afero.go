package recordcache

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/errs"
)

// AferoCache is an on-disk Cache backed by an afero.Fs, one JSON file per
// key under dir. It exists for integration-style tests that want a
// persistent cache without touching the real filesystem
// (afero.NewMemMapFs satisfies afero.Fs identically to the OS-backed
// one), and for callers who want a record cache that survives process
// restarts.
type AferoCache struct {
	fs  afero.Fs
	dir string
}

type aferoRecord struct {
	Value interface{} `json:"value"`
	At    time.Time   `json:"at"`
}

// NewAferoCache creates an AferoCache rooted at dir on fs. dir is
// created on first Put if it does not already exist.
func NewAferoCache(fs afero.Fs, dir string) *AferoCache {
	return &AferoCache{fs: fs, dir: dir}
}

func (c *AferoCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get implements Cache.
func (c *AferoCache) Get(key string, ttl time.Duration) (interface{}, bool) {
	raw, err := afero.ReadFile(c.fs, c.path(key))
	if err != nil {
		return nil, false
	}
	var rec aferoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	if ttl > 0 && time.Since(rec.At) > ttl {
		return nil, false
	}
	return reifyRows(rec.Value), true
}

// reifyRows undoes the generic decoding json.Unmarshal applies to an
// interface{}: a stored []coerce.Row round-trips through JSON as
// []interface{} of map[string]interface{}, and any glide_date_time
// field round-trips as its RFC3339 string form rather than a
// time.Time. Callers of Get type-assert on []coerce.Row, so a value
// that has this shape is rebuilt into one, with date-shaped strings
// re-parsed back into time.Time.
func reifyRows(value interface{}) interface{} {
	list, ok := value.([]interface{})
	if !ok {
		return value
	}
	rows := make([]coerce.Row, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return value
		}
		rows[i] = rehydrateDates(m)
	}
	return rows
}

func rehydrateDates(m map[string]interface{}) coerce.Row {
	out := make(coerce.Row, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				out[k] = t
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Put implements Cache. It stamps the record with the current time.
func (c *AferoCache) Put(key string, value interface{}) {
	if err := c.put(key, value); err != nil {
		// Cache writes are best-effort: the cache is an opt-in
		// optimization, never load-bearing for correctness.
		return
	}
}

func (c *AferoCache) put(key string, value interface{}) error {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return errs.Wrap(errs.KindOperational, err, "recordcache: create cache dir %s", c.dir)
	}
	raw, err := json.Marshal(aferoRecord{Value: value, At: time.Now()})
	if err != nil {
		return errs.Wrap(errs.KindOperational, err, "recordcache: marshal entry for key %s", key)
	}
	return afero.WriteFile(c.fs, c.path(key), raw, 0o644)
}

// Mtime implements Cache.
func (c *AferoCache) Mtime(key string) (time.Time, bool) {
	raw, err := afero.ReadFile(c.fs, c.path(key))
	if err != nil {
		return time.Time{}, false
	}
	var rec aferoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return time.Time{}, false
	}
	return rec.At, true
}
