package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a list of chunk ids kept in a single JSON text column.
type StringList []string

// GormDataType keeps the column portable between Postgres and SQLite.
func (StringList) GormDataType() string {
	return "text"
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		s = StringList{}
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("domain.StringList: %w", err)
	}
	return string(data), nil
}

func (s *StringList) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain.StringList: unsupported type %T", value)
	}

	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(s))
}

// Clone returns a copy that does not share the backing array.
func (s StringList) Clone() []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
