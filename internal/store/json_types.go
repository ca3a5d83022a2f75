package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// fillsColumn adapts []FillRecord to a single JSON column, matching the
// teacher's convention of storing structured metadata as a JSON string
// (internal/database's Opportunity/Trade models use the same gorm dialect
// for scalar columns; Fills is the one field genuinely shaped like a list
// and needs its own Scanner/Valuer).
type fillsColumn []FillRecord

func (f fillsColumn) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]FillRecord(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *fillsColumn) Scan(value any) error {
	if value == nil {
		*f = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("store: unsupported type for fills column")
	}
	if len(raw) == 0 {
		*f = nil
		return nil
	}
	var out []FillRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*f = out
	return nil
}
