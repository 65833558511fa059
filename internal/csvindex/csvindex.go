// Package csvindex loads CSV files by basename and exposes a row-set
// plus, for any named column, an integer index supporting membership
// and range queries.
package csvindex

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Table is an immutable-after-construction CSV row-set. Its zero value
// is not usable; build one with Load.
type Table struct {
	Basename string
	Header   []string
	Rows     [][]string
}

// Load reads basename.csv (the ".csv" suffix is implicit, matching the
// original's CSV binding syntax "basename[column]") from dir. The
// first row is treated as a header naming the columns.
func Load(dir, basename string) (*Table, error) {
	path := filepath.Join(dir, basename+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvindex: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csvindex: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csvindex: %s is empty", path)
	}
	return &Table{Basename: basename, Header: records[0], Rows: records[1:]}, nil
}

// ColumnIndex resolves a column reference, either a header name or a
// decimal index, to its 0-based position.
func (t *Table) ColumnIndex(ref string) (int, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 0 || n >= len(t.Header) {
			return 0, fmt.Errorf("csvindex: column index %d out of range in %s", n, t.Basename)
		}
		return n, nil
	}
	for i, name := range t.Header {
		if strings.EqualFold(name, ref) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("csvindex: no column %q in %s", ref, t.Basename)
}

// IntValues parses every row's value in column col (decimal or 0x-hex)
// into an integer, in row order. It is the source data for a match
// entry's CSV-backed value-set.
func (t *Table) IntValues(col int) ([]int64, error) {
	out := make([]int64, 0, len(t.Rows))
	for i, row := range t.Rows {
		if col >= len(row) {
			return nil, fmt.Errorf("csvindex: row %d of %s has no column %d", i, t.Basename, col)
		}
		v, err := parseInt(row[col])
		if err != nil {
			return nil, fmt.Errorf("csvindex: row %d column %d of %s: %w", i, col, t.Basename, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// RowForValue returns the index of the unique row whose column col
// equals v, used by call-argument CSV field lookups ("basename[column]"
// is only defined when the match that bound this CSV selected a unique
// row). ok is false if zero or more than one row matches.
func (t *Table) RowForValue(col int, v int64) (row int, ok bool) {
	found := -1
	for i, r := range t.Rows {
		if col >= len(r) {
			continue
		}
		parsed, err := parseInt(r[col])
		if err != nil || parsed != v {
			continue
		}
		if found >= 0 {
			return 0, false // not unique
		}
		found = i
	}
	if found < 0 {
		return 0, false
	}
	return found, true
}

// Field returns row i's value in column col as a raw string.
func (t *Table) Field(row, col int) (string, error) {
	if row < 0 || row >= len(t.Rows) {
		return "", fmt.Errorf("csvindex: row %d out of range in %s", row, t.Basename)
	}
	r := t.Rows[row]
	if col < 0 || col >= len(r) {
		return "", fmt.Errorf("csvindex: row %d of %s has no column %d", row, t.Basename, col)
	}
	return r[col], nil
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

// Cache is a process-wide, basename-keyed table cache, mirroring the
// plugin host's canonical-path cache: repeated bindings to the same
// CSV within one invocation load the file once.
type Cache struct {
	dir string
	mu  sync.Mutex
	m   map[string]*Table
}

// NewCache builds a Cache that resolves basenames relative to dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, m: make(map[string]*Table)}
}

// Get loads (or returns the cached) table for basename.
func (c *Cache) Get(basename string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.m[basename]; ok {
		return t, nil
	}
	t, err := Load(c.dir, basename)
	if err != nil {
		return nil, err
	}
	c.m[basename] = t
	return t, nil
}
