package dal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheExpiry     = 3600 * time.Second
	defaultInitTimeout     = 30 * time.Second
	defaultIDField         = "id"
	defaultKeyPrefix       = "dal"
	defaultSQLDriver       = "sqlite"
	defaultSQLDSN          = "file:dal.db?cache=shared"
	defaultDynamoRegion    = "us-east-1"
	defaultRedisAddr       = "127.0.0.1:6379"
	defaultCassandraHost   = "127.0.0.1"
	defaultCassandraKS     = "dal"
	defaultMemoryCleanup   = 10 * time.Minute
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// FailurePolicy decides what Resolve does after a failed initialization.
type FailurePolicy string

const (
	// RetryOnFailure starts a fresh single-flight attempt on the next Resolve.
	RetryOnFailure FailurePolicy = "retry"
	// StickyFailure returns the recorded error until the selector is closed.
	StickyFailure FailurePolicy = "sticky"
)

// Config controls backend selection and construction. It is loaded once at
// process start and treated as read-only afterwards.
type Config struct {
	DatabaseType BackendType

	// DefaultCacheExpiry is used for cache writes after Set and for reads
	// whose CacheOptions carry no expiry.
	DefaultCacheExpiry time.Duration

	// InitTimeout bounds backend construction.
	InitTimeout time.Duration

	FailurePolicy FailurePolicy

	// IDField names the identifier field of scalar-keyed documents.
	IDField string

	SQL       SQLConfig
	Dynamo    DynamoConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	Cache     CacheConfig
}

// SQLConfig configures the document-store backend.
type SQLConfig struct {
	DriverName  string
	DSN         string
	TablePrefix string
}

// DynamoConfig configures the managed NoSQL backend.
type DynamoConfig struct {
	Region      string
	Endpoint    string
	TablePrefix string
	// Client overrides the SDK client; used by tests and callers with custom AWS config.
	Client DynamoAPI
}

// RedisConfig configures the key-value cluster backend.
type RedisConfig struct {
	Addrs    []string
	Password string
	Prefix   string
	// Client overrides the constructed universal client.
	Client RedisDocClient
}

// CassandraConfig configures the wide-column backend.
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	TablePrefix string
	// Session overrides the constructed gocql session.
	Session CQLSession
}

// CacheConfig controls how the cache store is constructed.
type CacheConfig struct {
	Driver CacheDriver

	// Prefix is used by shared backends (e.g. redis keys).
	Prefix string

	// RedisAddrs is used when no RedisClient is given.
	RedisAddrs []string

	// RedisClient overrides the constructed cache client.
	RedisClient RedisCacheClient

	// NATSKeyValue is required when CacheDriverNATS is used.
	NATSKeyValue NATSKeyValue

	// MemoryCleanupInterval controls in-process cache eviction.
	MemoryCleanupInterval time.Duration

	// CompressOver gzips values larger than this many bytes; 0 disables compression.
	CompressOver int

	// BreakerFailures opens the cache circuit after this many consecutive failures;
	// negative disables the breaker.
	BreakerFailures int

	// BreakerTimeout is how long an open circuit rejects calls before probing again.
	BreakerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DatabaseType == "" {
		c.DatabaseType = BackendManagedNoSQL
	}
	if c.DefaultCacheExpiry <= 0 {
		c.DefaultCacheExpiry = defaultCacheExpiry
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = RetryOnFailure
	}
	if c.IDField == "" {
		c.IDField = defaultIDField
	}
	if c.SQL.DriverName == "" {
		c.SQL.DriverName = defaultSQLDriver
	}
	if c.SQL.DSN == "" {
		c.SQL.DSN = defaultSQLDSN
	}
	if c.Dynamo.Region == "" {
		c.Dynamo.Region = defaultDynamoRegion
	}
	if len(c.Redis.Addrs) == 0 {
		c.Redis.Addrs = []string{defaultRedisAddr}
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = defaultKeyPrefix
	}
	if len(c.Cassandra.Hosts) == 0 {
		c.Cassandra.Hosts = []string{defaultCassandraHost}
	}
	if c.Cassandra.Keyspace == "" {
		c.Cassandra.Keyspace = defaultCassandraKS
	}
	c.Cache = c.Cache.withDefaults()
	return c
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.Driver == "" {
		c.Driver = CacheDriverMemory
	}
	if c.Prefix == "" {
		c.Prefix = defaultKeyPrefix
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanup
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = defaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	return c
}

// ConfigFromEnv loads Config from environment variables, applying defaults for
// anything unset. An unknown DATABASE_TYPE is not rejected here; the selector
// reports it as a ConfigurationError on first use.
func ConfigFromEnv() (Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, fallback string) string {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		return fallback
	}

	cfg := Config{
		DatabaseType:  ParseBackendType(get("DATABASE_TYPE", string(BackendManagedNoSQL))),
		FailurePolicy: FailurePolicy(strings.ToLower(get("BACKEND_FAILURE_POLICY", string(RetryOnFailure)))),
		IDField:       get("ID_FIELD", defaultIDField),
		SQL: SQLConfig{
			DriverName:  get("SQL_DRIVER", defaultSQLDriver),
			DSN:         get("SQL_DSN", defaultSQLDSN),
			TablePrefix: get("SQL_TABLE_PREFIX", ""),
		},
		Dynamo: DynamoConfig{
			Region:      get("DYNAMODB_REGION", defaultDynamoRegion),
			Endpoint:    get("DYNAMODB_ENDPOINT", ""),
			TablePrefix: get("DYNAMODB_TABLE_PREFIX", ""),
		},
		Redis: RedisConfig{
			Addrs:    splitList(get("REDIS_ADDRS", defaultRedisAddr)),
			Password: get("REDIS_PASSWORD", ""),
			Prefix:   get("REDIS_PREFIX", defaultKeyPrefix),
		},
		Cassandra: CassandraConfig{
			Hosts:       splitList(get("CASSANDRA_HOSTS", defaultCassandraHost)),
			Keyspace:    get("CASSANDRA_KEYSPACE", defaultCassandraKS),
			TablePrefix: get("CASSANDRA_TABLE_PREFIX", ""),
		},
		Cache: CacheConfig{
			Driver:     CacheDriver(strings.ToLower(get("CACHE_DRIVER", string(CacheDriverMemory)))),
			Prefix:     get("CACHE_PREFIX", defaultKeyPrefix),
			RedisAddrs: splitList(get("CACHE_REDIS_ADDRS", "")),
		},
	}

	switch cfg.FailurePolicy {
	case RetryOnFailure, StickyFailure:
	default:
		return Config{}, fmt.Errorf("BACKEND_FAILURE_POLICY: unknown policy %q", cfg.FailurePolicy)
	}

	expiry, err := strconv.Atoi(get("DEFAULT_CACHE_EXPIRY", strconv.Itoa(int(defaultCacheExpiry/time.Second))))
	if err != nil || expiry <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_CACHE_EXPIRY: expected positive integer seconds, got %q", get("DEFAULT_CACHE_EXPIRY", ""))
	}
	cfg.DefaultCacheExpiry = time.Duration(expiry) * time.Second

	timeout, err := time.ParseDuration(get("BACKEND_INIT_TIMEOUT", defaultInitTimeout.String()))
	if err != nil {
		return Config{}, fmt.Errorf("BACKEND_INIT_TIMEOUT: %w", err)
	}
	cfg.InitTimeout = timeout

	compressOver, err := strconv.Atoi(get("CACHE_COMPRESS_OVER", "0"))
	if err != nil || compressOver < 0 {
		return Config{}, fmt.Errorf("CACHE_COMPRESS_OVER: expected non-negative integer, got %q", get("CACHE_COMPRESS_OVER", ""))
	}
	cfg.Cache.CompressOver = compressOver

	return cfg.withDefaults(), nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newUniversalClient(addrs []string, password string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
}
