// Package config loads process configuration from flags, environment
// variables, and an optional .env file, and validates the credentials the
// relay needs before it is allowed to start.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relay configuration.
type Config struct {
	// Provider credentials.
	ProviderKey    string
	ProviderSecret string
	CertPath       string
	CertPassword   string

	// Downstream event hub.
	GatewayURL string

	// Operational event ledger (never quote content).
	MongoURI            string
	LedgerRetentionDays int

	// Cold archival of ledger documents to S3 (opt-in: only active when
	// S3Bucket is set).
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveAfterHours    int

	// Introspection HTTP surface.
	HTTPPort int
	HTTPHost string

	// Simulation-mode provider.
	Simulation   bool
	Seed         int64
	TickInterval time.Duration

	// Supervisor timing.
	HeartbeatInterval      time.Duration
	SnapshotInterval       time.Duration
	ContractUpdateInterval time.Duration
	StrikeInterval         int
	WindowSize             int

	// Logging.
	LogFilePath string
	LogLevel    string
}

// Load parses flags and environment variables (a .env file in the working
// directory is loaded first, if present) into a Config. It does not
// validate required credentials; call Validate for that.
func Load() *Config {
	_ = godotenv.Load()

	c := &Config{}

	flag.StringVar(&c.ProviderKey, "provider-key", envStr("SJ_KEY", ""), "upstream provider API key")
	flag.StringVar(&c.ProviderSecret, "provider-secret", envStr("SJ_SEC", ""), "upstream provider API secret")
	flag.StringVar(&c.CertPath, "cert-path", envStr("CA_CERT_PATH", ""), "path to the provider credential file")
	flag.StringVar(&c.CertPassword, "cert-password", envStr("CA_PASSWORD", ""), "passphrase for the credential file")
	flag.StringVar(&c.GatewayURL, "gateway-url", envStr("GATEWAY_URL", ""), "URL of the downstream event hub")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/atmrelay"), "MongoDB connection URI for the operational event ledger")
	flag.IntVar(&c.LedgerRetentionDays, "ledger-retention", envInt("LEDGER_RETENTION_DAYS", 7), "operational ledger retention in days (0 = keep forever)")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for ledger cold archival (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "atmrelay"), "S3 key prefix for archived ledger documents")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 6), "hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 24), "archive ledger documents older than this many hours")

	flag.IntVar(&c.HTTPPort, "port", envInt("RELAY_PORT", 8100), "introspection HTTP port")
	flag.StringVar(&c.HTTPHost, "host", envStr("RELAY_HOST", "0.0.0.0"), "introspection HTTP listen host")

	flag.BoolVar(&c.Simulation, "simulation", envBool("SIMULATION", true), "use the built-in simulated provider instead of a live brokerage session")
	flag.Int64Var(&c.Seed, "seed", envInt64("RELAY_SEED", 0), "simulation PRNG seed (0 = random)")

	flag.IntVar(&c.StrikeInterval, "strike-interval", envInt("STRIKE_INTERVAL", 100), "strike ladder step")
	flag.IntVar(&c.WindowSize, "window-size", envInt("WINDOW_SIZE", 8), "number of strikes on each side of the ATM strike to track")

	flag.StringVar(&c.LogFilePath, "log-file", envStr("LOG_FILE", "atmrelay.log"), "path to the rotated JSON log file")
	flag.StringVar(&c.LogLevel, "log-level", envStr("LOG_LEVEL", "info"), "minimum log level (debug, info, warn, error)")

	flag.Parse()

	c.TickInterval = 100 * time.Millisecond
	c.HeartbeatInterval = 10 * time.Second
	c.SnapshotInterval = 5 * time.Second
	c.ContractUpdateInterval = 1 * time.Second

	return c
}

// Validate checks that the credentials and downstream URL required at
// startup are present. A non-nil error here must cause the process to
// exit with status 1 without retry — missing configuration is never a
// recoverable runtime condition.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("config: GATEWAY_URL is required")
	}

	if c.Simulation {
		// The simulated provider needs no live brokerage credentials.
		return nil
	}

	var missing []string
	if c.ProviderKey == "" {
		missing = append(missing, "SJ_KEY")
	}
	if c.ProviderSecret == "" {
		missing = append(missing, "SJ_SEC")
	}
	if c.CertPath == "" {
		missing = append(missing, "CA_CERT_PATH")
	} else if _, err := os.Stat(c.CertPath); err != nil {
		return fmt.Errorf("config: CA_CERT_PATH %q does not exist: %w", c.CertPath, err)
	}
	if c.CertPassword == "" {
		missing = append(missing, "CA_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %v", missing)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
