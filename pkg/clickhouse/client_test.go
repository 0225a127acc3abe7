package clickhouse

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOSTS", "ch-1:9000,ch-2:9000")
	t.Setenv("CLICKHOUSE_DATABASE", "pipeline")

	cfg := Load()
	require.Equal(t, []string{"ch-1:9000", "ch-2:9000"}, cfg.Hosts)
	require.Equal(t, "pipeline", cfg.Database)
	require.Equal(t, "default", cfg.Username)
	require.Equal(t, "handler_invocations", cfg.InvocationsTable)
	require.Equal(t, "dead_letters", cfg.DeadLettersTable)
	require.Equal(t, 30, cfg.DialTimeout)
}

func TestOptions(t *testing.T) {
	cfg := Config{
		Hosts:              []string{"localhost:9000"},
		Database:           "pipeline",
		Username:           "u",
		Password:           "p",
		Debug:              true,
		InsecureSkipVerify: true,
		MaxExecutionTime:   30,
		DialTimeout:        5,
		ConnMaxLifetime:    2,
		ClientName:         "edapipeline",
		ClientVersion:      "1.0",
	}
	opts := Options(cfg, zaptest.NewLogger(t).Sugar())

	require.Equal(t, cfg.Hosts, opts.Addr)
	require.Equal(t, "pipeline", opts.Auth.Database)
	require.Equal(t, 5*time.Second, opts.DialTimeout)
	require.Equal(t, 2*time.Minute, opts.ConnMaxLifetime)
	require.Equal(t, 30, opts.Settings["max_execution_time"])
	require.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
	require.NotNil(t, opts.TLS)
	require.NotNil(t, opts.Debugf)

	cfg.InsecureSkipVerify, cfg.Debug = false, false
	opts = Options(cfg, nil)
	require.Nil(t, opts.TLS)
	require.Nil(t, opts.Debugf)
}

func TestNew_InvalidAddress(t *testing.T) {
	client, err := New(Config{Hosts: []string{"invalid:99999"}, DialTimeout: 1}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	require.Nil(t, client)
}
