package config

import "time"

// Storage engine identifiers resolvable through the storage registry.
const (
	EngineSQLite = "sqlite"
	EngineGORM   = "gorm"
	EngineMongo  = "mongo"
)

// StorageConfig selects and parameterises a storage backend.
type StorageConfig struct {
	Engine string
	// DBURL is the connection string for server-backed engines
	// (postgres URL for gorm, mongodb URL for mongo).
	DBURL string
	// SQLiteFile is the database file for the embedded engine;
	// ":memory:" keeps everything in process.
	SQLiteFile string
	Table      string
	MongoDB    string
	Collection string
}

// CaptureConfig controls the request capture middleware.
type CaptureConfig struct {
	Enabled bool
	// Ignore holds regular expressions matched against request paths;
	// a match suppresses recording unconditionally.
	Ignore []string
	// SamplingFunc, when non-nil, decides per request whether to record.
	// It is called with no arguments on the hot path. Not settable via
	// environment; assign it in code before Init.
	SamplingFunc func() bool
	// CapturePanics records measurements even when the handler panics.
	// The panic itself always continues unwinding.
	CapturePanics bool
	// BodyLimit caps the number of request body bytes kept in the
	// measurement context snapshot.
	BodyLimit int
	// Verbose logs every assembled measurement at debug level.
	Verbose bool
	// StackSampling enables the per-request stack sampler.
	StackSampling   bool
	StackSampleRate int // samples per second
	// InsertTimeout bounds the storage insert that follows a request.
	InsertTimeout time.Duration
}

// RetentionConfig controls the optional background deletion of old
// measurements.
type RetentionConfig struct {
	Enabled bool
	Period  time.Duration
}

// Config holds runtime configuration for the profiler service. It is
// constructed once at startup and treated as read-only afterwards.
type Config struct {
	Environment string
	Addr        string
	LogLevel    string
	// EndpointRoot is the URL prefix the profiler API is served under,
	// without slashes ("profiler" -> /profiler/api/...).
	EndpointRoot string

	Storage   StorageConfig
	Capture   CaptureConfig
	Retention RetentionConfig

	// Query service defaults.
	QueryTimeout    time.Duration
	DefaultPageSize int
	MaxPageSize     int
	Lookback        time.Duration

	// Rate limiting for the profiler API.
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:  GetString("APP_ENV", "development"),
		Addr:         GetString("REQPROF_ADDR", ":8090"),
		LogLevel:     GetString("REQPROF_LOG_LEVEL", "info"),
		EndpointRoot: GetString("REQPROF_ENDPOINT_ROOT", "profiler"),
		Storage: StorageConfig{
			Engine:     GetString("REQPROF_STORAGE_ENGINE", EngineSQLite),
			DBURL:      GetString("REQPROF_DB_URL", ""),
			SQLiteFile: GetString("REQPROF_SQLITE_FILE", "reqprof.db"),
			Table:      GetString("REQPROF_TABLE", "measurements"),
			MongoDB:    GetString("REQPROF_MONGO_DB", "reqprof"),
			Collection: GetString("REQPROF_MONGO_COLLECTION", "measurements"),
		},
		Capture: CaptureConfig{
			Enabled:         GetBool("REQPROF_ENABLED", true),
			Ignore:          GetStrings("REQPROF_IGNORE", nil),
			CapturePanics:   GetBool("REQPROF_CAPTURE_PANICS", false),
			BodyLimit:       GetInt("REQPROF_BODY_LIMIT_BYTES", 4096),
			Verbose:         GetBool("REQPROF_VERBOSE", false),
			StackSampling:   GetBool("REQPROF_STACK_SAMPLING", false),
			StackSampleRate: GetInt("REQPROF_STACK_SAMPLE_HZ", 100),
			InsertTimeout:   time.Duration(GetInt("REQPROF_INSERT_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Retention: RetentionConfig{
			Enabled: GetBool("REQPROF_RETENTION_ENABLED", false),
			Period:  time.Duration(GetInt("REQPROF_RETENTION_DAYS", 30)) * 24 * time.Hour,
		},
		QueryTimeout:       time.Duration(GetInt("REQPROF_QUERY_TIMEOUT_SECONDS", 10)) * time.Second,
		DefaultPageSize:    GetInt("REQPROF_DEFAULT_PAGE_SIZE", 100),
		MaxPageSize:        GetInt("REQPROF_MAX_PAGE_SIZE", 1000),
		Lookback:           time.Duration(GetInt("REQPROF_LOOKBACK_DAYS", 7)) * 24 * time.Hour,
		RateLimitRedisAddr: GetString("REQPROF_RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("REQPROF_RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("REQPROF_RATE_LIMIT_REDIS_DB", 0),
	}
}
