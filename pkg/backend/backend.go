// Package backend provides query execution backends: an embedded DuckDB
// sandbox seeded with a synthetic dataset, ClickHouse over the native
// protocol or HTTP, and Postgres.
package backend

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	KindDuckDB         = "duckdb"
	KindClickHouse     = "clickhouse"
	KindClickHouseHTTP = "clickhouse-http"
	KindPostgres       = "postgres"
)

func observe(kind string, start time.Time, err error) {
	metrics.BackendQueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.BackendQueriesTotal.WithLabelValues(kind, status).Inc()
}

// scanSQLRows drains a database/sql result set into normalized rows.
func scanSQLRows(rows *sql.Rows) (pipeline.QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to get columns: %w", err)
	}

	resultRows := []pipeline.Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(pipeline.Row, len(columns))
		for i, col := range columns {
			row[col] = NormalizeValue(values[i])
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return pipeline.QueryResult{
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}

// NormalizeValue converts a driver value into a JSON-safe value. Byte
// slices become strings, dates render as YYYY-MM-DD, timestamps as RFC3339,
// and arbitrary precision numbers as float64 or their decimal string.
func NormalizeValue(v any) any {
	if _, isBig := v.(*big.Int); !isBig && v != nil {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil
			}
			return NormalizeValue(rv.Elem().Interface())
		}
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return formatTime(val)
	case *big.Int:
		if val == nil {
			return nil
		}
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case interface{ Float64() float64 }:
		return val.Float64()
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return fmt.Sprint(val)
		}
		if _, again := inner.(driver.Valuer); again {
			return fmt.Sprint(inner)
		}
		return NormalizeValue(inner)
	case fmt.Stringer:
		return val.String()
	}
	return v
}

func formatTime(t time.Time) any {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}
