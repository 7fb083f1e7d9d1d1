package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all engine configuration.
type Config struct {
	// Storage
	MongoURI string
	RedisURI string
	UseRedis bool

	// Producer
	Symbols          []string
	Timeframes       []string
	MarketType       string
	FetchIntervalSec int
	BufferSize       int
	FlushIntervalSec int

	// Exchange
	ExchangeRatePerSec float64
	ExchangeBurst      int
	SimSeed            int64

	// Data integrity
	RepairEnabled     bool
	RepairIntervalSec int
	BarGapWindowSec   int
	IndicatorGapCount int

	// Back-test task manager
	BacktestTTL             time.Duration
	BacktestMaxTasks        int
	BacktestConcurrency     int
	OptimizationTTL         time.Duration
	OptimizationMaxTasks    int
	OptimizationConcurrency int

	// S3 archival of expired back-test task results (opt-in)
	S3Bucket          string
	S3Region          string
	S3Prefix          string
	ArchiveAfterHours int

	BusSubscriberBuffer int
}

var (
	c Config

	backtestTTLSec     int
	optimizationTTLSec int
	symbolsCSV         string
	timeframesCSV      string
)

// Register binds every engine setting onto fs (typically a cobra
// command's persistent flags), falling back to environment variables
// and then the listed defaults. Call FromFlags once fs has been parsed
// (cobra does this itself before a command's RunE runs) to obtain the
// finalized Config.
func Register(fs *pflag.FlagSet) {
	fs.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/kline"), "MongoDB connection URI")
	fs.StringVar(&c.RedisURI, "redis-uri", envStr("REDIS_URI", "redis://localhost:6379/0"), "Redis connection URI")
	fs.BoolVar(&c.UseRedis, "use-redis", envBool("USE_REDIS", false), "Use RedisBus instead of the in-process LocalBus")

	fs.StringVar(&c.MarketType, "market-type", envStr("MARKET_TYPE", "spot"), "Market type (spot, future, delivery)")
	fs.IntVar(&c.FetchIntervalSec, "fetch-interval-sec", envInt("FETCH_INTERVAL_SEC", 5), "Seconds between steady-state bar fetches")
	fs.IntVar(&c.BufferSize, "buffer-size", envInt("BUFFER_SIZE", 500), "Write buffer capacity before a forced flush")
	fs.IntVar(&c.FlushIntervalSec, "flush-interval-sec", envInt("FLUSH_INTERVAL_SEC", 10), "Seconds between periodic buffer flushes")

	fs.Float64Var(&c.ExchangeRatePerSec, "exchange-rate", envFloat("EXCHANGE_RATE_PER_SEC", 10), "Exchange fetch rate limit (requests/sec)")
	fs.IntVar(&c.ExchangeBurst, "exchange-burst", envInt("EXCHANGE_BURST", 20), "Exchange fetch rate limit burst size")
	fs.Int64Var(&c.SimSeed, "sim-seed", envInt64("SIM_SEED", 0), "SimExchange PRNG seed (0 = random)")

	fs.BoolVar(&c.RepairEnabled, "repair-enabled", envBool("REPAIR_ENABLED", true), "Enable the data-integrity repair scheduler")
	fs.IntVar(&c.RepairIntervalSec, "repair-interval-sec", envInt("REPAIR_INTERVAL_SEC", 300), "Seconds between repair cycles")
	fs.IntVar(&c.BarGapWindowSec, "bar-gap-window-sec", envInt("BAR_GAP_WINDOW_SEC", 3600), "Lookback window for bar gap detection")
	fs.IntVar(&c.IndicatorGapCount, "indicator-gap-count", envInt("INDICATOR_GAP_COUNT", 200), "Lookback count for indicator gap detection")

	fs.IntVar(&backtestTTLSec, "backtest-ttl-sec", envInt("BACKTEST_TTL_SEC", 3600), "Back-test task TTL in seconds")
	fs.IntVar(&c.BacktestMaxTasks, "backtest-max-tasks", envInt("BACKTEST_MAX_TASKS", 100), "Max concurrently cached back-test tasks")
	fs.IntVar(&c.BacktestConcurrency, "backtest-concurrency", envInt("BACKTEST_CONCURRENCY", 3), "Max concurrently running back-test tasks")

	fs.IntVar(&optimizationTTLSec, "optimization-ttl-sec", envInt("OPTIMIZATION_TTL_SEC", 7200), "Optimization task TTL in seconds")
	fs.IntVar(&c.OptimizationMaxTasks, "optimization-max-tasks", envInt("OPTIMIZATION_MAX_TASKS", 50), "Max concurrently cached optimization tasks")
	fs.IntVar(&c.OptimizationConcurrency, "optimization-concurrency", envInt("OPTIMIZATION_CONCURRENCY", 2), "Max concurrently running optimization tasks")

	fs.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for expired back-test result archival (empty = disabled)")
	fs.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	fs.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "kline-engine"), "S3 key prefix for archived task results")
	fs.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 24), "Archive finished task results this many hours after completion")

	fs.IntVar(&c.BusSubscriberBuffer, "bus-subscriber-buffer", envInt("BUS_SUBSCRIBER_BUFFER", 256), "Per-subscriber buffered channel capacity on LocalBus")

	fs.StringVar(&symbolsCSV, "symbols", envStr("SYMBOLS", "BTCUSDT,ETHUSDT"), "Comma-separated symbol list")
	fs.StringVar(&timeframesCSV, "timeframes", envStr("TIMEFRAMES", "1m,5m,1h"), "Comma-separated timeframe list")
}

// FromFlags finalizes derived fields (CSV splits, second-to-Duration
// conversions) and returns the Config. Must be called after fs.Parse
// has run against the flag set passed to Register.
func FromFlags() *Config {
	c.Symbols = splitCSV(symbolsCSV)
	c.Timeframes = splitCSV(timeframesCSV)
	c.BacktestTTL = time.Duration(backtestTTLSec) * time.Second
	c.OptimizationTTL = time.Duration(optimizationTTLSec) * time.Second
	return &c
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
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

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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
