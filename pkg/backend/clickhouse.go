package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v5"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	defaultClickHouseDialTimeout  = 5 * time.Second
	defaultClickHouseMaxExecution = 60
	defaultClickHouseConnectTries = 5
)

type ClickHouseConfig struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string

	DialTimeout     time.Duration
	MaxExecutionSec int
	ConnectTries    uint
}

func (c *ClickHouseConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultClickHouseDialTimeout
	}
	if c.MaxExecutionSec == 0 {
		c.MaxExecutionSec = defaultClickHouseMaxExecution
	}
	if c.ConnectTries == 0 {
		c.ConnectTries = defaultClickHouseConnectTries
	}
	return nil
}

// ClickHouse executes queries over the native protocol.
type ClickHouse struct {
	log  *slog.Logger
	conn driver.Conn
}

func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionSec,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	// ClickHouse may need a moment after start to accept connections.
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			cfg.Logger.Warn("backend: clickhouse ping failed, retrying", "attempt", attempt)
		}
		return struct{}{}, conn.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(cfg.ConnectTries))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.Info("backend: clickhouse client initialized", "addr", cfg.Addr, "database", cfg.Database)
	return &ClickHouse{log: cfg.Logger, conn: conn}, nil
}

func (c *ClickHouse) Execute(ctx context.Context, query string) (pipeline.QueryResult, error) {
	start := time.Now()
	c.log.Debug("backend: executing clickhouse query", "sql", query)

	result, err := c.query(ctx, query)
	observe(KindClickHouse, start, err)
	return result, err
}

func (c *ClickHouse) query(ctx context.Context, query string) (pipeline.QueryResult, error) {
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns := rows.Columns()
	colTypes := rows.ColumnTypes()

	resultRows := []pipeline.Row{}
	for rows.Next() {
		ptrs := make([]any, len(colTypes))
		for i, ct := range colTypes {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(ptrs...); err != nil {
			return pipeline.QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(pipeline.Row, len(columns))
		for i, col := range columns {
			row[col] = NormalizeValue(reflect.ValueOf(ptrs[i]).Elem().Interface())
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

// Exec runs a statement without returning rows. It is meant for fixtures.
func (c *ClickHouse) Exec(ctx context.Context, stmt string, args ...any) error {
	return c.conn.Exec(ctx, stmt, args...)
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
