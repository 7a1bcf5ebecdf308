// Package config parses the environment-variable surface described in
// SPEC_FULL.md §6. It follows the direct os.Getenv/fmt.Sscanf style used
// throughout this codebase rather than a config-file library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of knobs cmd/taskqueued wires up.
type Config struct {
	DBURI                 string
	DBConnectEager        bool
	DBConnectTimeout       time.Duration
	DBSocketTimeout        time.Duration
	DBPoolSize             int
	DBGridFSChunkSizeBytes int
	DBTLSInsecureSkipVerify bool

	CleanFinishedTasksAfter time.Duration

	PostgresDSN string
	RedisAddr   string

	WatcherCount    int
	WatcherPollRate float64

	MetricsAddr string
}

// Load reads Config from the environment, applying the defaults listed
// below. db.uri has no default — it must be set.
func Load() (*Config, error) {
	c := &Config{
		DBConnectEager:          getBool("TASKQUEUE_DB_CONNECT", true),
		DBConnectTimeout:        getMillis("TASKQUEUE_DB_CONNECT_TIMEOUT_MS", 10_000),
		DBSocketTimeout:         getMillis("TASKQUEUE_DB_SOCKET_TIMEOUT_MS", 30_000),
		DBPoolSize:              getInt("TASKQUEUE_DB_POOL_SIZE", 100),
		DBGridFSChunkSizeBytes:  getInt("TASKQUEUE_DB_GRIDFS_CHUNK_SIZE_BYTES", 261_120),
		DBTLSInsecureSkipVerify: getBool("TASKQUEUE_DB_TLS_INSECURE_SKIP_VERIFY", false),

		CleanFinishedTasksAfter: getSeconds("TASKQUEUE_CRON_CLEAN_FINISHED_TASKS_AFTER_SECONDS", 86_400),

		PostgresDSN: os.Getenv("TASKQUEUE_POSTGRES_DSN"),
		RedisAddr:   os.Getenv("TASKQUEUE_REDIS_ADDR"),

		WatcherCount:    getInt("TASKQUEUE_WATCHER_COUNT", 1),
		WatcherPollRate: getFloat("TASKQUEUE_WATCHER_POLL_RATE", 5.0),

		MetricsAddr: getString("TASKQUEUE_METRICS_ADDR", ":9090"),
	}

	c.DBURI = os.Getenv("TASKQUEUE_DB_URI")
	if c.DBURI == "" {
		return nil, fmt.Errorf("config: TASKQUEUE_DB_URI is required")
	}
	return c, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getMillis(key string, defMillis int) time.Duration {
	return time.Duration(getInt(key, defMillis)) * time.Millisecond
}

func getSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getInt(key, defSeconds)) * time.Second
}
