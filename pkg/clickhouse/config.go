package clickhouse

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Config configures the ClickHouse archive used for handler invocations and
// dead letters.
type Config struct {
	Hosts              []string `env:"CLICKHOUSE_HOSTS"                envSeparator:"," envDefault:"localhost:9000"`
	Database           string   `env:"CLICKHOUSE_DATABASE"             envDefault:"default"`
	Username           string   `env:"CLICKHOUSE_USERNAME"             envDefault:"default"`
	Password           string   `env:"CLICKHOUSE_PASSWORD"             envDefault:""`
	Debug              bool     `env:"CLICKHOUSE_DEBUG"                envDefault:"false"`
	InsecureSkipVerify bool     `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	MaxExecutionTime   int      `env:"CLICKHOUSE_MAX_EXECUTION_TIME"   envDefault:"60"` // seconds
	DialTimeout        int      `env:"CLICKHOUSE_DIAL_TIMEOUT"         envDefault:"30"` // seconds
	MaxOpenConns       int      `env:"CLICKHOUSE_MAX_OPEN_CONNS"       envDefault:"5"`
	MaxIdleConns       int      `env:"CLICKHOUSE_MAX_IDLE_CONNS"       envDefault:"5"`
	ConnMaxLifetime    int      `env:"CLICKHOUSE_CONN_MAX_LIFETIME"    envDefault:"10"` // minutes
	ClientName         string   `env:"CLICKHOUSE_CLIENT_NAME"          envDefault:"edapipeline"`
	ClientVersion      string   `env:"CLICKHOUSE_CLIENT_VERSION"       envDefault:"1.0"`
	InvocationsTable   string   `env:"CLICKHOUSE_INVOCATIONS_TABLE"    envDefault:"handler_invocations"`
	DeadLettersTable   string   `env:"CLICKHOUSE_DEAD_LETTERS_TABLE"   envDefault:"dead_letters"`
}

// Load loads ClickHouse configuration from environment variables
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		logger, logErr := zap.NewProduction()
		if logErr == nil {
			logger.Sugar().Errorw("failed to parse clickhouse config", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "failed to parse clickhouse config: %v\n", err)
		}
		os.Exit(1)
	}
	return cfg
}
