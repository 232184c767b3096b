package config

import (
	"math/big"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Database struct {
	Host             string
	Port             int
	Username         string
	Password         string `json:"-"` // sensitive
	Database         string
	AdditionalParams map[string]string `json:",omitempty"` // Optional additional connection parameters mapped into the connection string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// ConnectionString generates a connection string to be passed to sql.Open or equivalents, assuming Postgres syntax
func (c Database) ConnectionString() string {
	var b strings.Builder
	b.WriteString("host=" + c.Host)
	b.WriteString(" port=" + strconv.Itoa(c.Port))
	b.WriteString(" user=" + c.Username)
	b.WriteString(" password=" + c.Password)
	b.WriteString(" dbname=" + c.Database)

	if _, ok := c.AdditionalParams["sslmode"]; !ok {
		b.WriteString(" sslmode=disable")
	}

	for key, value := range c.AdditionalParams {
		b.WriteString(" " + key + "=" + value)
	}

	return b.String()
}

type EchoServer struct {
	Debug                         bool
	ListenAddress                 string
	EnableCORSMiddleware          bool
	EnableLoggerMiddleware        bool
	EnableRecoverMiddleware       bool
	EnableRequestIDMiddleware     bool
	EnableTrailingSlashMiddleware bool
	EnablePrometheusMiddleware    bool
	EnableBodyLimitMiddleware     bool
	BodyLimit                     string
	RequestTimeout                time.Duration
}

type LoggerServer struct {
	Level              zerolog.Level
	RequestLevel       zerolog.Level
	LogRequestBody     bool
	LogRequestHeader   bool
	LogRequestQuery    bool
	LogResponseBody    bool
	LogResponseHeader  bool
	PrettyPrintConsole bool
}

type Management struct {
	ReadinessTimeout       time.Duration
	LivenessTimeout        time.Duration
	ProbeWriteablePathsAbs []string
}

// Chain configures access to the EVM node(s) the relay talks to.
type Chain struct {
	ChainID             uint64
	RPCURLs             []string
	RequestTimeout      time.Duration
	RateLimitPerSecond  float64
	RateLimitBurst      int
	BreakerFailures     int
	BreakerSuccesses    int
	BreakerOpenTimeout  time.Duration
	BroadcastRetries    int
	BroadcastRetryDelay time.Duration
}

// Relay holds the lifecycle policy of relayed transactions.
type Relay struct {
	RepriceInterval        time.Duration
	StaleAfter             time.Duration
	MinPriceDelta          *big.Int
	ReplacementBumpPercent int64
	MaxGasPrice            *big.Int
	NoOpAfterCycles        int
	PollInterval           time.Duration
	ConfirmationDepth      uint64
	Retention              time.Duration
	PurgeSchedule          string
	MaxGasLimit            uint64
	FillNonceGaps          bool
	ActiveBatchSize        int
}

// GasPrice configures the gas price oracle.
type GasPrice struct {
	CacheTTL       time.Duration
	SampleBlocks   uint64
	MinGasPrice    *big.Int
	Percentiles    map[string]float64
	Multipliers    map[string]float64
	FallbackPrices map[string]*big.Int
}

// Custody configures where signing material comes from.
type Custody struct {
	KeystorePath     string
	KeystorePassword string `json:"-"` // sensitive
	Mnemonic         string `json:"-"` // sensitive, dev only
}

type Redis struct {
	Addr      string
	Password  string `json:"-"` // sensitive
	DB        int
	KeyPrefix string
}

type Server struct {
	Database   Database
	Echo       EchoServer
	Logger     LoggerServer
	Management Management
	Chain      Chain
	Relay      Relay
	GasPrice   GasPrice
	Custody    Custody
	Redis      Redis
	Paths      PathsServer
}

type PathsServer struct {
	MigrationsDirAbs string
}

// DefaultServiceConfigFromEnv returns the server config as parsed from environment variables
// and their respective defaults defined below.
// We don't expect that ENV_VARs change while we are running our application or our tests
// (and it would be a bad thing to do anyways with parallel testing).
// Do NOT use os.Setenv / os.Unsetenv in tests utilizing DefaultServiceConfigFromEnv()!
func DefaultServiceConfigFromEnv() Server {
	// An `.env.local` file in your project root can override the currently set ENV variables.
	//
	// We never automatically apply `.env.local` when running "go test" as these ENV variables
	// may be sensitive (e.g. secrets to external APIs) and applying them modifies the process
	// global "os.Env" state (it should be applied via t.SetEnv instead).
	if !testing() {
		DotEnvTryLoad(filepath.Join(projectRoot(), ".env.local"), osSetenv)
	}

	v := newEnv()

	return Server{
		Database: Database{
			Host:     v.GetString("PGHOST"),
			Port:     v.GetInt("PGPORT"),
			Database: v.GetString("PGDATABASE"),
			Username: v.GetString("PGUSER"),
			Password: v.GetString("PGPASSWORD"),
			AdditionalParams: map[string]string{
				"sslmode": v.GetString("PGSSLMODE"),
			},
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Echo: EchoServer{
			Debug:                         v.GetBool("SERVER_ECHO_DEBUG"),
			ListenAddress:                 v.GetString("SERVER_ECHO_LISTEN_ADDRESS"),
			EnableCORSMiddleware:          v.GetBool("SERVER_ECHO_ENABLE_CORS_MIDDLEWARE"),
			EnableLoggerMiddleware:        v.GetBool("SERVER_ECHO_ENABLE_LOGGER_MIDDLEWARE"),
			EnableRecoverMiddleware:       v.GetBool("SERVER_ECHO_ENABLE_RECOVER_MIDDLEWARE"),
			EnableRequestIDMiddleware:     v.GetBool("SERVER_ECHO_ENABLE_REQUEST_ID_MIDDLEWARE"),
			EnableTrailingSlashMiddleware: v.GetBool("SERVER_ECHO_ENABLE_TRAILING_SLASH_MIDDLEWARE"),
			EnablePrometheusMiddleware:    v.GetBool("SERVER_ECHO_ENABLE_PROMETHEUS_MIDDLEWARE"),
			EnableBodyLimitMiddleware:     v.GetBool("SERVER_ECHO_ENABLE_BODY_LIMIT_MIDDLEWARE"),
			BodyLimit:                     v.GetString("SERVER_ECHO_BODY_LIMIT"),
			RequestTimeout:                v.GetDuration("SERVER_ECHO_REQUEST_TIMEOUT"),
		},
		Logger: LoggerServer{
			Level:              logLevel(v.GetString("SERVER_LOGGER_LEVEL"), zerolog.DebugLevel),
			RequestLevel:       logLevel(v.GetString("SERVER_LOGGER_REQUEST_LEVEL"), zerolog.DebugLevel),
			LogRequestBody:     v.GetBool("SERVER_LOGGER_LOG_REQUEST_BODY"),
			LogRequestHeader:   v.GetBool("SERVER_LOGGER_LOG_REQUEST_HEADER"),
			LogRequestQuery:    v.GetBool("SERVER_LOGGER_LOG_REQUEST_QUERY"),
			LogResponseBody:    v.GetBool("SERVER_LOGGER_LOG_RESPONSE_BODY"),
			LogResponseHeader:  v.GetBool("SERVER_LOGGER_LOG_RESPONSE_HEADER"),
			PrettyPrintConsole: v.GetBool("SERVER_LOGGER_PRETTY_PRINT_CONSOLE"),
		},
		Management: Management{
			ReadinessTimeout:       v.GetDuration("SERVER_MANAGEMENT_READINESS_TIMEOUT"),
			LivenessTimeout:        v.GetDuration("SERVER_MANAGEMENT_LIVENESS_TIMEOUT"),
			ProbeWriteablePathsAbs: v.GetStringSlice("SERVER_MANAGEMENT_PROBE_WRITEABLE_PATHS_ABS"),
		},
		Chain: Chain{
			ChainID:             v.GetUint64("RELAY_CHAIN_ID"),
			RPCURLs:             v.GetStringSlice("RELAY_CHAIN_RPC_URLS"),
			RequestTimeout:      v.GetDuration("RELAY_CHAIN_REQUEST_TIMEOUT"),
			RateLimitPerSecond:  v.GetFloat64("RELAY_CHAIN_RATE_LIMIT_PER_SECOND"),
			RateLimitBurst:      v.GetInt("RELAY_CHAIN_RATE_LIMIT_BURST"),
			BreakerFailures:     v.GetInt("RELAY_CHAIN_BREAKER_FAILURES"),
			BreakerSuccesses:    v.GetInt("RELAY_CHAIN_BREAKER_SUCCESSES"),
			BreakerOpenTimeout:  v.GetDuration("RELAY_CHAIN_BREAKER_OPEN_TIMEOUT"),
			BroadcastRetries:    v.GetInt("RELAY_CHAIN_BROADCAST_RETRIES"),
			BroadcastRetryDelay: v.GetDuration("RELAY_CHAIN_BROADCAST_RETRY_DELAY"),
		},
		Relay: Relay{
			RepriceInterval:        v.GetDuration("RELAY_REPRICE_INTERVAL"),
			StaleAfter:             v.GetDuration("RELAY_STALE_AFTER"),
			MinPriceDelta:          gwei(v.GetFloat64("RELAY_MIN_PRICE_DELTA_GWEI")),
			ReplacementBumpPercent: v.GetInt64("RELAY_REPLACEMENT_BUMP_PERCENT"),
			MaxGasPrice:            gwei(v.GetFloat64("RELAY_MAX_GAS_PRICE_GWEI")),
			NoOpAfterCycles:        v.GetInt("RELAY_NOOP_AFTER_CYCLES"),
			PollInterval:           v.GetDuration("RELAY_POLL_INTERVAL"),
			ConfirmationDepth:      v.GetUint64("RELAY_CONFIRMATION_DEPTH"),
			Retention:              v.GetDuration("RELAY_RETENTION"),
			PurgeSchedule:          v.GetString("RELAY_PURGE_SCHEDULE"),
			MaxGasLimit:            v.GetUint64("RELAY_MAX_GAS_LIMIT"),
			FillNonceGaps:          v.GetBool("RELAY_FILL_NONCE_GAPS"),
			ActiveBatchSize:        v.GetInt("RELAY_ACTIVE_BATCH_SIZE"),
		},
		GasPrice: GasPrice{
			CacheTTL:     v.GetDuration("RELAY_GAS_PRICE_CACHE_TTL"),
			SampleBlocks: v.GetUint64("RELAY_GAS_PRICE_SAMPLE_BLOCKS"),
			MinGasPrice:  gwei(v.GetFloat64("RELAY_GAS_PRICE_MIN_GWEI")),
			Percentiles: map[string]float64{
				"safeLow": v.GetFloat64("RELAY_GAS_PRICE_PERCENTILE_SAFE_LOW"),
				"average": v.GetFloat64("RELAY_GAS_PRICE_PERCENTILE_AVERAGE"),
				"fast":    v.GetFloat64("RELAY_GAS_PRICE_PERCENTILE_FAST"),
				"fastest": v.GetFloat64("RELAY_GAS_PRICE_PERCENTILE_FASTEST"),
			},
			Multipliers: map[string]float64{
				"safeLow": v.GetFloat64("RELAY_GAS_PRICE_MULTIPLIER_SAFE_LOW"),
				"average": v.GetFloat64("RELAY_GAS_PRICE_MULTIPLIER_AVERAGE"),
				"fast":    v.GetFloat64("RELAY_GAS_PRICE_MULTIPLIER_FAST"),
				"fastest": v.GetFloat64("RELAY_GAS_PRICE_MULTIPLIER_FASTEST"),
			},
			FallbackPrices: map[string]*big.Int{
				"safeLow": gwei(v.GetFloat64("RELAY_GAS_PRICE_FALLBACK_SAFE_LOW_GWEI")),
				"average": gwei(v.GetFloat64("RELAY_GAS_PRICE_FALLBACK_AVERAGE_GWEI")),
				"fast":    gwei(v.GetFloat64("RELAY_GAS_PRICE_FALLBACK_FAST_GWEI")),
				"fastest": gwei(v.GetFloat64("RELAY_GAS_PRICE_FALLBACK_FASTEST_GWEI")),
			},
		},
		Custody: Custody{
			KeystorePath:     v.GetString("RELAY_KEYSTORE_PATH"),
			KeystorePassword: v.GetString("RELAY_KEYSTORE_PASSWORD"),
			Mnemonic:         v.GetString("RELAY_MNEMONIC"),
		},
		Redis: Redis{
			Addr:      v.GetString("RELAY_REDIS_ADDR"),
			Password:  v.GetString("RELAY_REDIS_PASSWORD"),
			DB:        v.GetInt("RELAY_REDIS_DB"),
			KeyPrefix: v.GetString("RELAY_REDIS_KEY_PREFIX"),
		},
		Paths: PathsServer{
			MigrationsDirAbs: v.GetString("SERVER_PATHS_MIGRATIONS_DIR_ABS"),
		},
	}
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PGHOST", "postgres")
	v.SetDefault("PGPORT", 5432)
	v.SetDefault("PGDATABASE", "development")
	v.SetDefault("PGUSER", "dbuser")
	v.SetDefault("PGPASSWORD", "")
	v.SetDefault("PGSSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", runtime.NumCPU()*2)
	v.SetDefault("DB_MAX_IDLE_CONNS", 1)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 60*time.Second)

	v.SetDefault("SERVER_ECHO_LISTEN_ADDRESS", ":8080")
	v.SetDefault("SERVER_ECHO_ENABLE_CORS_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_LOGGER_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_RECOVER_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_REQUEST_ID_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_TRAILING_SLASH_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_PROMETHEUS_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_ENABLE_BODY_LIMIT_MIDDLEWARE", true)
	v.SetDefault("SERVER_ECHO_BODY_LIMIT", "1M")
	v.SetDefault("SERVER_ECHO_REQUEST_TIMEOUT", 30*time.Second)

	v.SetDefault("SERVER_LOGGER_LEVEL", "info")
	v.SetDefault("SERVER_LOGGER_REQUEST_LEVEL", "info")
	v.SetDefault("SERVER_LOGGER_PRETTY_PRINT_CONSOLE", false)

	v.SetDefault("SERVER_MANAGEMENT_READINESS_TIMEOUT", 4*time.Second)
	v.SetDefault("SERVER_MANAGEMENT_LIVENESS_TIMEOUT", 9*time.Second)
	v.SetDefault("SERVER_MANAGEMENT_PROBE_WRITEABLE_PATHS_ABS", []string{})

	v.SetDefault("RELAY_CHAIN_ID", 1)
	v.SetDefault("RELAY_CHAIN_RPC_URLS", []string{"http://localhost:8545"})
	v.SetDefault("RELAY_CHAIN_REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("RELAY_CHAIN_RATE_LIMIT_PER_SECOND", 20.0)
	v.SetDefault("RELAY_CHAIN_RATE_LIMIT_BURST", 40)
	v.SetDefault("RELAY_CHAIN_BREAKER_FAILURES", 5)
	v.SetDefault("RELAY_CHAIN_BREAKER_SUCCESSES", 2)
	v.SetDefault("RELAY_CHAIN_BREAKER_OPEN_TIMEOUT", 30*time.Second)
	v.SetDefault("RELAY_CHAIN_BROADCAST_RETRIES", 3)
	v.SetDefault("RELAY_CHAIN_BROADCAST_RETRY_DELAY", 2*time.Second)

	v.SetDefault("RELAY_REPRICE_INTERVAL", time.Minute)
	v.SetDefault("RELAY_STALE_AFTER", 3*time.Minute)
	v.SetDefault("RELAY_MIN_PRICE_DELTA_GWEI", 1.0)
	v.SetDefault("RELAY_REPLACEMENT_BUMP_PERCENT", 10)
	v.SetDefault("RELAY_MAX_GAS_PRICE_GWEI", 500.0)
	v.SetDefault("RELAY_NOOP_AFTER_CYCLES", 10)
	v.SetDefault("RELAY_POLL_INTERVAL", time.Minute)
	v.SetDefault("RELAY_CONFIRMATION_DEPTH", 12)
	v.SetDefault("RELAY_RETENTION", 30*24*time.Hour)
	v.SetDefault("RELAY_PURGE_SCHEDULE", "@hourly")
	v.SetDefault("RELAY_MAX_GAS_LIMIT", 12_500_000)
	v.SetDefault("RELAY_FILL_NONCE_GAPS", true)
	v.SetDefault("RELAY_ACTIVE_BATCH_SIZE", 500)

	v.SetDefault("RELAY_GAS_PRICE_CACHE_TTL", 15*time.Second)
	v.SetDefault("RELAY_GAS_PRICE_SAMPLE_BLOCKS", 20)
	v.SetDefault("RELAY_GAS_PRICE_MIN_GWEI", 1.0)
	v.SetDefault("RELAY_GAS_PRICE_PERCENTILE_SAFE_LOW", 10.0)
	v.SetDefault("RELAY_GAS_PRICE_PERCENTILE_AVERAGE", 50.0)
	v.SetDefault("RELAY_GAS_PRICE_PERCENTILE_FAST", 75.0)
	v.SetDefault("RELAY_GAS_PRICE_PERCENTILE_FASTEST", 95.0)
	v.SetDefault("RELAY_GAS_PRICE_MULTIPLIER_SAFE_LOW", 0.9)
	v.SetDefault("RELAY_GAS_PRICE_MULTIPLIER_AVERAGE", 1.0)
	v.SetDefault("RELAY_GAS_PRICE_MULTIPLIER_FAST", 1.25)
	v.SetDefault("RELAY_GAS_PRICE_MULTIPLIER_FASTEST", 1.5)
	v.SetDefault("RELAY_GAS_PRICE_FALLBACK_SAFE_LOW_GWEI", 5.0)
	v.SetDefault("RELAY_GAS_PRICE_FALLBACK_AVERAGE_GWEI", 10.0)
	v.SetDefault("RELAY_GAS_PRICE_FALLBACK_FAST_GWEI", 20.0)
	v.SetDefault("RELAY_GAS_PRICE_FALLBACK_FASTEST_GWEI", 40.0)

	v.SetDefault("RELAY_KEYSTORE_PATH", "/app/keystore.json")
	v.SetDefault("RELAY_REDIS_DB", 0)
	v.SetDefault("RELAY_REDIS_KEY_PREFIX", "relay:")

	v.SetDefault("SERVER_PATHS_MIGRATIONS_DIR_ABS", filepath.Join(projectRoot(), "/internal/relay/store/migrations"))

	return v
}

func logLevel(s string, fallback zerolog.Level) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return fallback
	}

	return level
}

// gwei converts a (possibly fractional) gwei amount to wei.
func gwei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e9)).Int(nil)
	return wei
}
