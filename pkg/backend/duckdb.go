package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

var dateAddPartRE = regexp.MustCompile(`(?i)\bdateadd\s*\(\s*['"]?([a-z]+)['"]?\s*,`)

type DuckDBConfig struct {
	Logger *slog.Logger

	// Path is the database file. Empty opens an in-memory database.
	Path string

	// SeedPath overrides the embedded seed script template.
	SeedPath string

	// Seed controls whether the sandbox dataset is created on open.
	Seed bool
}

func (c *DuckDBConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// DuckDB is the sandbox emulator backend. It serializes queries through a
// single connection.
type DuckDB struct {
	log *slog.Logger
	db  *sql.DB
}

func NewDuckDB(ctx context.Context, cfg DuckDBConfig) (*DuckDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DuckDB{log: cfg.Logger, db: db}
	if cfg.Seed {
		if err := d.seed(ctx, cfg.SeedPath); err != nil {
			db.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *DuckDB) seed(ctx context.Context, seedPath string) error {
	start := time.Now()
	var (
		script string
		err    error
	)
	if seedPath != "" {
		script, err = RenderSeedFile(seedPath, defaultSeedData())
	} else {
		script, err = RenderSeed(defaultSeedTemplate, defaultSeedData())
	}
	if err != nil {
		return fmt.Errorf("failed to render seed script: %w", err)
	}

	for _, stmt := range splitStatements(script) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to seed sandbox: %w", err)
		}
	}
	d.log.Info("backend: sandbox seeded", "duration", time.Since(start))
	return nil
}

// Exec runs a statement without returning rows. It is meant for fixtures.
func (d *DuckDB) Exec(ctx context.Context, stmt string) error {
	_, err := d.db.ExecContext(ctx, stmt)
	return err
}

func (d *DuckDB) Execute(ctx context.Context, query string) (pipeline.QueryResult, error) {
	start := time.Now()
	query = RewriteForSandbox(query)
	d.log.Debug("backend: executing sandbox query", "sql", query)

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		observe(KindDuckDB, start, err)
		return pipeline.QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result, err := scanSQLRows(rows)
	observe(KindDuckDB, start, err)
	return result, err
}

func (d *DuckDB) Close() error {
	return d.db.Close()
}

// RewriteForSandbox adapts warehouse dialect the emulator does not accept.
// DATEADD date parts are quoted so they bind to the sandbox macro.
func RewriteForSandbox(query string) string {
	return dateAddPartRE.ReplaceAllStringFunc(query, func(m string) string {
		sub := dateAddPartRE.FindStringSubmatch(m)
		return "dateadd('" + sub[1] + "',"
	})
}
