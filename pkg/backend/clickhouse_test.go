package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

func newClickHouse(t *testing.T) *ClickHouse {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ClickHouse container test in short mode")
	}
	ctx := t.Context()

	container, err := tcch.Run(ctx,
		"clickhouse/clickhouse-server:latest",
		tcch.WithDatabase("test"),
		tcch.WithUsername("default"),
		tcch.WithPassword("password"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	ch, err := NewClickHouse(ctx, ClickHouseConfig{
		Logger:   testLogger(),
		Addr:     fmt.Sprintf("%s:%s", host, port.Port()),
		Database: "test",
		Username: "default",
		Password: "password",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestAnalyst_Backend_ClickHouse_Execute(t *testing.T) {
	t.Parallel()
	ch := newClickHouse(t)
	ctx := t.Context()

	require.NoError(t, ch.Exec(ctx, `
		CREATE TABLE cia_sales_insights_cortex (
			transaction_state String,
			resp_date Date,
			spend Float64,
			mcc Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY transaction_state
	`))
	require.NoError(t, ch.Exec(ctx, `
		INSERT INTO cia_sales_insights_cortex VALUES
			('CA', '2024-01-01', 10.5, '5411'),
			('TX', '2024-01-02', 4.0, NULL)
	`))

	res, err := ch.Execute(ctx, "SELECT transaction_state, resp_date, spend, mcc FROM cia_sales_insights_cortex ORDER BY transaction_state")
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, []string{"transaction_state", "resp_date", "spend", "mcc"}, res.Columns)

	assert.Equal(t, "CA", res.Rows[0]["transaction_state"])
	assert.Equal(t, "2024-01-01", res.Rows[0]["resp_date"])
	assert.InDelta(t, 10.5, res.Rows[0]["spend"], 1e-9)
	assert.Equal(t, "5411", res.Rows[0]["mcc"])
	assert.Nil(t, res.Rows[1]["mcc"])
}

func TestAnalyst_Backend_ClickHouse_Error(t *testing.T) {
	t.Parallel()
	ch := newClickHouse(t)

	_, err := ch.Execute(t.Context(), "SELECT 1 FROM no_such_table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_table")
}
