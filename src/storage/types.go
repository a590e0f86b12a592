package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSON stores a value as a JSON document. A NULL column scans as Valid=false.
type JSON[T any] struct {
	V     T
	Valid bool
}

func NewJSON[T any](v T) JSON[T] {
	return JSON[T]{V: v, Valid: true}
}

// NullJSON stores v when non-nil and NULL otherwise
func NullJSON[T any](v *T) JSON[T] {
	if v == nil {
		return JSON[T]{}
	}
	return JSON[T]{V: *v, Valid: true}
}

// Ptr returns the value or nil when NULL
func (j JSON[T]) Ptr() *T {
	if !j.Valid {
		return nil
	}
	v := j.V
	return &v
}

// Scan implements the sql.Scanner interface
func (j *JSON[T]) Scan(value interface{}) error {
	var zero T
	j.V = zero
	j.Valid = false

	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan type %T into JSON", value)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &j.V); err != nil {
		return err
	}
	j.Valid = true
	return nil
}

// Value implements the driver.Valuer interface
func (j JSON[T]) Value() (driver.Value, error) {
	if !j.Valid {
		return nil, nil
	}
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Timestamps are stored as integer microseconds so equality survives a round
// trip through either driver.
func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
