//go:build integration
// +build integration

package clickhouse

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

var testClient Client

// loadTestEnv loads .env.test next to this file, if present.
func loadTestEnv() error {
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return nil
	}
	return godotenv.Load(filepath.Join(filepath.Dir(currentFile), ".env.test"))
}

// TestMain requires a running ClickHouse reachable with the CLICKHOUSE_* settings.
func TestMain(m *testing.M) {
	if err := loadTestEnv(); err != nil {
		log.Printf("integration: could not load .env.test: %v (using defaults)", err)
	}
	cfg := Load()
	cfg.DialTimeout = 5

	sugar, err := utils.NewSugaredLogger(true)
	if err != nil {
		log.Fatalf("integration: failed to create logger: %v", err)
	}
	testClient, err = New(cfg, sugar)
	if err != nil {
		log.Fatalf("integration: %v", err)
	}

	code := m.Run()
	_ = testClient.Close()
	os.Exit(code)
}

func TestClient_Ping(t *testing.T) {
	require.NoError(t, testClient.Ping(context.Background()))
	require.NotNil(t, testClient.Conn())
}

func TestNew_BadCredentials(t *testing.T) {
	cfg := Load()
	cfg.Username = "invaliduser"
	cfg.Password = "invalidpass"

	sugar, err := utils.NewSugaredLogger(true)
	require.NoError(t, err)

	client, err := New(cfg, sugar)
	require.Nil(t, client)
	var exception *clickhouse.Exception
	require.True(t, errors.As(err, &exception), "got %T", err)
	require.NotZero(t, exception.Code)
}
