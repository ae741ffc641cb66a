package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// textColumn scans a nullable text column into a string, NULL as "".
type textColumn struct{ dst *string }

func (c textColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c.dst = ""
	case string:
		*c.dst = v
	case []byte:
		*c.dst = string(v)
	default:
		return fmt.Errorf("cannot scan %T into text", src)
	}
	return nil
}

// timeColumn scans a nullable date or timestamp into a *time.Time.
type timeColumn struct{ dst **time.Time }

func (c timeColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c.dst = nil
	case time.Time:
		t := v
		*c.dst = &t
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

// intColumn scans a nullable integer into an *int.
type intColumn struct{ dst **int }

func (c intColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c.dst = nil
	case int64:
		n := int(v)
		*c.dst = &n
	default:
		return fmt.Errorf("cannot scan %T into int", src)
	}
	return nil
}

// jsonColumn decodes a nullable JSONB column into dst. NULL leaves dst untouched.
type jsonColumn struct{ dst interface{} }

func (c jsonColumn) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into json", src)
	}
	return json.Unmarshal(raw, c.dst)
}
