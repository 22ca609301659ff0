package sync

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pos-sync-service/internal/config"
)

// Detector turns raw row notifications into ChangeEvents for the watched
// tables. It keeps no state between notifications.
type Detector struct {
	tables map[string]config.TableConfig
}

func NewDetector(tables []config.TableConfig) *Detector {
	m := make(map[string]config.TableConfig, len(tables))
	for _, t := range tables {
		m[t.Name] = t
	}
	return &Detector{tables: m}
}

// Detect returns the event for c, nil when the notification is not
// sync-worthy, or a *ValidationError when it is malformed.
func (d *Detector) Detect(c RowChange) (*ChangeEvent, error) {
	table, ok := d.tables[c.Table]
	if !ok {
		return nil, nil
	}

	switch c.Type {
	case Insert, Update:
	case Delete:
		return nil, nil
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown %q", c.Type)}
	}

	if c.New == nil {
		return nil, &ValidationError{Field: "new", Reason: "row missing"}
	}
	id := scalarString(c.New[table.PrimaryKey])
	if id == "" {
		return nil, &ValidationError{Field: table.PrimaryKey, Reason: "missing on " + c.Table}
	}

	var owner string
	if table.OwnerColumn != "" {
		owner = scalarString(c.New[table.OwnerColumn])
		if owner == "" {
			return nil, &ValidationError{Field: table.OwnerColumn, Reason: "missing on " + c.Table}
		}
	}

	ev := &ChangeEvent{
		OwnerID:    owner,
		EntityType: table.EntityType,
		EntityID:   id,
		Operation:  c.Type,
	}

	if c.Type == Insert {
		return ev, nil
	}

	// Updates without an old image cannot be diffed; forward them.
	if c.Old == nil {
		return ev, nil
	}

	cols := table.WatchColumns
	if len(cols) == 0 {
		cols = columnsOf(c.Old, c.New)
	}
	for _, col := range cols {
		if !sameValue(c.Old[col], c.New[col]) {
			ev.ChangedFields = append(ev.ChangedFields, col)
		}
	}
	if len(ev.ChangedFields) == 0 {
		return nil, nil
	}
	return ev, nil
}

func columnsOf(rows ...map[string]any) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// decimalPattern matches the text form MySQL uses for DECIMAL values. Strings
// with leading zeros, exponents or NaN/Inf spellings stay strings.
var decimalPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?$`)

// sameValue compares two column values, treating numerics (including decimal
// strings such as "2.00") by value.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.([]byte); ok {
		a = string(ba)
	}
	if bb, ok := b.([]byte); ok {
		b = string(bb)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return finite(float64(t))
	case float64:
		return finite(t)
	case string:
		return parseDecimal(t)
	case []byte:
		return parseDecimal(string(t))
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return finite(f)
}
