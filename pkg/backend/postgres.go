package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const defaultPostgresMaxConns = 8

type PostgresConfig struct {
	Logger   *slog.Logger
	URL      string
	MaxConns int32
}

func (c *PostgresConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = defaultPostgresMaxConns
	}
	if c.MaxConns < 0 {
		return errors.New("max conns must be > 0")
	}
	return nil
}

// Postgres executes queries inside read-only transactions on a pgx pool.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("backend: postgres pool initialized", "maxConns", cfg.MaxConns)
	return &Postgres{log: cfg.Logger, pool: pool}, nil
}

func (p *Postgres) Execute(ctx context.Context, query string) (pipeline.QueryResult, error) {
	start := time.Now()
	p.log.Debug("backend: executing postgres query", "sql", query)

	var result pipeline.QueryResult
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		columns := make([]string, len(fields))
		for i, f := range fields {
			columns[i] = f.Name
		}

		resultRows := []pipeline.Row{}
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			row := make(pipeline.Row, len(columns))
			for i, col := range columns {
				row[col] = NormalizeValue(values[i])
			}
			resultRows = append(resultRows, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		result = pipeline.QueryResult{Columns: columns, Rows: resultRows, Count: len(resultRows)}
		return nil
	})
	observe(KindPostgres, start, err)
	if err != nil {
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return result, nil
}

// Exec runs a statement outside a read-only transaction. It is meant for fixtures.
func (p *Postgres) Exec(ctx context.Context, stmt string) error {
	_, err := p.pool.Exec(ctx, stmt)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
