package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// NullText is how SQL NULL is rendered in a ResultSet.
const NullText = "NULL"

// ResultSet is a fully materialized statement result. Values are rendered
// as text so results can be printed and compared without type switches.
type ResultSet struct {
	Columns      []string   `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows         [][]string `json:"rows,omitempty" yaml:"rows,omitempty"`
	RowsAffected int64      `json:"rows_affected,omitempty" yaml:"rows_affected,omitempty"`
}

// collect drains and closes rows.
func collect(rows *sql.Rows) (*ResultSet, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = formatValue(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return rs, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return NullText
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}
