package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oceanbits/overlay-engine/internal/source"
	"github.com/oceanbits/overlay-engine/internal/worker"
)

// JobsCfg configures the distributed job pipeline. Driver selects the
// queue backend; "none" disables the consumer entirely.
type JobsCfg struct {
	Driver       string
	RedisAddr    string
	Stream       string
	Group        string
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string
	BatchSize    int
	ErrorBackoff time.Duration
	RecordTTL    time.Duration
}

type Config struct {
	Addr             string
	LogLevel         string
	LogConsole       bool
	RangeCacheBudget int64
	FetchTimeout     time.Duration
	WorkerCount      int
	QueueDepth       int
	ClipTimeout      time.Duration
	StrictFilters    bool
	Jobs             JobsCfg
}

func FromEnv() Config {
	workers := getint("WORKER_COUNT", 0) // 0 means derive from CPU count
	if workers <= 0 {
		workers = worker.DefaultWorkerCount()
	}

	return Config{
		Addr:             getenv("ADDR", ":8090"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogConsole:       getbool("LOG_CONSOLE", false),
		RangeCacheBudget: getint64("RANGE_CACHE_BUDGET", source.DefaultCacheBudget),
		FetchTimeout:     getduration("FETCH_TIMEOUT", 30*time.Second),
		WorkerCount:      workers,
		QueueDepth:       getint("QUEUE_DEPTH", worker.DefaultQueueDepth),
		ClipTimeout:      getduration("CLIP_TIMEOUT", worker.DefaultTaskTimeout),
		StrictFilters:    getbool("STRICT_FILTERS", false),
		Jobs: JobsCfg{
			Driver:       getenv("JOB_QUEUE_DRIVER", "none"),
			RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
			Stream:       getenv("JOB_STREAM", "overlay:jobs"),
			Group:        getenv("JOB_GROUP", "overlay-consumers"),
			KafkaBrokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			KafkaTopic:   getenv("KAFKA_TOPIC", "overlay-jobs"),
			KafkaGroupID: getenv("KAFKA_GROUP_ID", "overlay-consumers"),
			BatchSize:    getint("JOB_BATCH_SIZE", 10),
			ErrorBackoff: getduration("JOB_ERROR_BACKOFF", 5*time.Second),
			RecordTTL:    getduration("JOB_RECORD_TTL", 24*time.Hour),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
