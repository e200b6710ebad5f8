package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/syntrixbase/broker/pkg/model"
)

// ToRecord converts a JSON-tagged struct into a Record.
func ToRecord(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return rec, nil
}

// FromRecord decodes rec into the JSON-tagged struct pointed to by v.
func FromRecord(rec Record, v interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

// Expiry returns the record's ttl field, or nil if absent or not numeric.
func Expiry(rec Record) *int64 {
	raw, ok := rec[FieldTTL]
	if !ok || raw == nil {
		return nil
	}
	n, ok := model.Int64Value(raw)
	if !ok {
		return nil
	}
	return &n
}

// Active reports whether rec is unexpired at now.
func Active(rec Record, now time.Time) bool {
	exp := Expiry(rec)
	return exp == nil || *exp > now.Unix()
}

// HasPrefix reports whether the string field of rec starts with prefix.
func HasPrefix(rec Record, field, prefix string) bool {
	s, ok := rec[field].(string)
	return ok && strings.HasPrefix(s, prefix)
}

// Clone deep-copies maps and slices so callers never alias stored state.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	return Record(cloneMap(rec))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Record:
		return Record(cloneMap(t))
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// ValidateWrites checks batch size and that each request is well formed.
func ValidateWrites(reqs []WriteRequest, max int) error {
	if len(reqs) > max {
		return fmt.Errorf("%w: %d items, limit %d", ErrBatchTooLarge, len(reqs), max)
	}
	for i, r := range reqs {
		if (r.Put == nil) == (r.Delete == nil) {
			return fmt.Errorf("%w: request %d must set exactly one of put or delete", model.ErrInvalidArgument, i)
		}
		if r.Put != nil {
			if _, err := r.Table.KeyOf(r.Put); err != nil {
				return err
			}
		}
	}
	return nil
}
