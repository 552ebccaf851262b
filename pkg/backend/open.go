package backend

import (
	"context"
	"fmt"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// Conn is a backend that holds resources.
type Conn interface {
	pipeline.Backend
	Close() error
}

// Config selects and configures one backend kind.
type Config struct {
	Kind           string
	DuckDB         DuckDBConfig
	ClickHouse     ClickHouseConfig
	ClickHouseHTTP ClickHouseHTTPConfig
	Postgres       PostgresConfig
}

// Open connects the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Conn, error) {
	switch cfg.Kind {
	case KindDuckDB, "":
		b, err := NewDuckDB(ctx, cfg.DuckDB)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindClickHouse:
		b, err := NewClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindClickHouseHTTP:
		b, err := NewClickHouseHTTP(cfg.ClickHouseHTTP)
		if err != nil {
			return nil, err
		}
		return nopCloser{b}, nil
	case KindPostgres:
		b, err := NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

type nopCloser struct {
	pipeline.Backend
}

func (nopCloser) Close() error { return nil }
