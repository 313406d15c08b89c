package changes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timestampLayout is the stored precision for timestamp fields. Values
// are truncated to microseconds before comparison and serialization so
// a snapshot read back from storage diffs clean against the original.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Snapshot is a point-in-time capture of a record's fields. Values are
// normalized scalars: nil, bool, string, float64 or time.Time. Use
// NewSnapshot to build one from raw values.
type Snapshot map[string]any

// NewSnapshot normalizes a raw field map into a Snapshot. Integer and
// float types collapse to float64, timestamps to UTC at microsecond
// precision. Unsupported value types are rejected.
func NewSnapshot(fields map[string]any) (Snapshot, error) {
	snap := make(Snapshot, len(fields))
	for name, value := range fields {
		norm, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		snap[name] = norm
	}
	return snap, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid numeric value %q", v.String())
		}
		return f, nil
	case time.Time:
		return v.UTC().Truncate(time.Microsecond), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.UTC().Truncate(time.Microsecond), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// valuesEqual compares two normalized values. Numbers compare by
// numeric value and timestamps by instant, both already normalized by
// NewSnapshot, so plain equality suffices except for time.Time.
func valuesEqual(a, b any) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	if aok != bok {
		return false
	}
	return a == b
}

// formatValue renders a normalized value in its canonical textual
// form. This is the representation stored in the ledger's old/new
// value columns and re-parsed by Parse.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return strconv.Quote(v.Format(timestampLayout))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fieldOrder returns the snapshot's field names in the definition's
// declared order, with fields unknown to the definition appended in
// lexical order. The result is deterministic regardless of how the
// snapshot map was built.
func fieldOrder(def Definition, snaps ...Snapshot) []string {
	seen := make(map[string]bool)
	var ordered []string
	for _, name := range def.Fields {
		for _, snap := range snaps {
			if _, ok := snap[name]; ok && !seen[name] {
				seen[name] = true
				ordered = append(ordered, name)
			}
		}
	}
	var extra []string
	for _, snap := range snaps {
		for name := range snap {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	return append(ordered, extra...)
}

// Serialize renders the snapshot as a canonical JSON object. Field
// order follows the record type definition, numbers and timestamps use
// a single stable formatting, so equal snapshots always produce
// byte-identical output.
func (d *Detector) Serialize(recordType string, snap Snapshot) string {
	def := d.registry.Get(recordType)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range fieldOrder(def, snap) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(name))
		sb.WriteByte(':')
		sb.WriteString(formatValue(snap[name]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Parse decodes a string produced by Serialize back into a Snapshot.
// Only fields the record type definition declares as timestamps come
// back as time.Time; any other string stays a string even when it
// happens to look like a timestamp, so a text field never changes type
// across a serialize/parse round trip.
func (d *Detector) Parse(recordType, data string) (Snapshot, error) {
	def := d.registry.Get(recordType)

	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	snap := make(Snapshot, len(raw))
	for name, value := range raw {
		if s, ok := value.(string); ok && def.IsTimestamp(name) {
			ts, err := time.Parse(timestampLayout, s)
			if err != nil {
				return nil, fmt.Errorf("field %q: malformed timestamp: %w", name, err)
			}
			snap[name] = ts.UTC()
			continue
		}
		norm, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		snap[name] = norm
	}
	return snap, nil
}
