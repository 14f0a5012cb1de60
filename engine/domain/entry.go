package domain

import (
	"strconv"
	"time"
)

// Entry is one raw history record as delivered by a backend service. The
// shape differs per entity kind, so it is kept as a free-form object.
// Entries are treated as immutable once received.
type Entry map[string]any

// TimestampFields are probed in order when reading an entry's time.
var TimestampFields = []string{"timestamp", "time", "created_at", "createdAt"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp returns the entry's time. ok is false when no timestamp field
// is present or none of them parses.
func (e Entry) Timestamp() (time.Time, bool) {
	for _, f := range TimestampFields {
		v, present := e[f]
		if !present {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		// epoch milliseconds, as encoded by JSON clients
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

// String returns the field as a string. Numeric values are formatted in
// decimal so numeric ids resolve the same way as string ids.
func (e Entry) String(field string) (string, bool) {
	switch v := e[field].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

// Object returns a nested object field.
func (e Entry) Object(field string) (Entry, bool) {
	switch v := e[field].(type) {
	case map[string]any:
		return Entry(v), true
	case Entry:
		return v, true
	}
	return nil, false
}

// Truthy reports whether the field holds a truthy value.
func (e Entry) Truthy(field string) bool {
	return Truthy(e[field])
}

// Truthy applies loose truthiness: nil, false, zero numbers and empty
// strings are falsy. Collections are always truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return true
	case map[string]any:
		return true
	}
	return true
}
