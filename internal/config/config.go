// Package config provides runtime configuration values for the service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MaxPageSize is the RepairDesk API's own ceiling for one inventory page.
const MaxPageSize = 1000

// Config holds configuration knobs for the HTTP server, sync engine, cart and maintenance.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	RepairDesk  RepairDesk
	Sync        Sync
	Cart        Cart
	Sales       Sales
	Maintenance Maintenance

	RedisURL    string
	DatabaseURL string
}

// RepairDesk configures the external inventory client.
type RepairDesk struct {
	BaseURL      string
	APIKey       string
	VerifyTLS    bool
	Timeout      time.Duration
	MirrorOrders bool
}

// Sync configures pull pagination, retries and apply concurrency.
type Sync struct {
	PageSize         int
	MaxPages         int
	PageAttempts     int
	ItemAttempts     int
	ApplyConcurrency int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	LockTTL          time.Duration
	RunLogLimit      int
}

// Cart configures cart persistence, validation and shipping.
type Cart struct {
	Key                   string
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	PlaceholderImage      string
	LenientPrice          bool
	TTL                   time.Duration
}

// Sales configures the post-sale stock decrement queue.
type Sales struct {
	QueueBuffer             int
	InitialWorkerCount      int
	WorkerMin               int
	WorkerMax               int
	ScaleInterval           time.Duration
	ScaleUpBacklogPerWorker int
	ScaleDownIdleTicks      int
	QueueHighWatermark      int
}

// Maintenance configures the scheduler cadence and the maintenance tasks.
type Maintenance struct {
	SyncInterval      time.Duration
	BackupInterval    time.Duration
	HealthInterval    time.Duration
	BackupDir         string
	BackupRetention   time.Duration
	PerfLatencyBudget time.Duration
}

// source resolves a key from the environment first, then the optional config file.
type source struct {
	file map[string]string
}

func (s source) getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v
	}
	return def
}

func (s source) atoienv(key string, def int) int {
	v := s.getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s source) boolenv(key string, def bool) bool {
	v := s.getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s source) durenvms(key string, defMs int) time.Duration {
	ms := s.atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func (s source) durenvs(key string, defSec int) time.Duration {
	sec := s.atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// durenv accepts Go duration strings ("15m", "24h").
func (s source) durenv(key string, def time.Duration) time.Duration {
	v := s.getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (s source) decenv(key, def string) decimal.Decimal {
	v := s.getenv(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(def)
	}
	return d
}

// readFile parses a flat YAML mapping of configuration keys to scalar values.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config file %s: key %s must be a scalar", path, k)
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// Load collects configuration from .env, the optional MIDAS_CONFIG_FILE and the
// environment, in increasing precedence, with defaults for everything.
func Load() (Config, error) {
	_ = godotenv.Load()
	src := source{}
	if path := os.Getenv("MIDAS_CONFIG_FILE"); path != "" {
		m, err := readFile(path)
		if err != nil {
			return load(src), err
		}
		src.file = m
	}
	return load(src), nil
}

func load(src source) Config {
	pageSize := src.atoienv("SYNC_PAGE_SIZE", 100)
	if pageSize <= 0 {
		pageSize = 100
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	concurrency := src.atoienv("SYNC_APPLY_CONCURRENCY", 5)
	if concurrency <= 0 {
		concurrency = 1
	}
	minWorkers := src.atoienv("SALE_WORKER_MIN", 1)
	maxWorkers := src.atoienv("SALE_WORKER_MAX", 4)
	initialWorkers := src.atoienv("SALE_WORKERS", minWorkers)

	return Config{
		HTTPAddr:        src.getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: src.durenvs("SHUTDOWN_TIMEOUT", 15),
		LogLevel:        src.getenv("LOG_LEVEL", "info"),
		RepairDesk: RepairDesk{
			BaseURL:      strings.TrimRight(src.getenv("REPAIRDESK_BASE_URL", "https://api.repairdesk.co/api/web/v1"), "/"),
			APIKey:       src.getenv("REPAIRDESK_API_KEY", ""),
			VerifyTLS:    src.boolenv("REPAIRDESK_VERIFY_TLS", true),
			Timeout:      src.durenvms("REPAIRDESK_TIMEOUT_MS", 10000),
			MirrorOrders: src.boolenv("REPAIRDESK_MIRROR_ORDERS", false),
		},
		Sync: Sync{
			PageSize:         pageSize,
			MaxPages:         src.atoienv("SYNC_MAX_PAGES", 500),
			PageAttempts:     src.atoienv("SYNC_PAGE_ATTEMPTS", 3),
			ItemAttempts:     src.atoienv("SYNC_ITEM_ATTEMPTS", 3),
			ApplyConcurrency: concurrency,
			BackoffInitial:   src.durenvms("SYNC_BACKOFF_INITIAL_MS", 500),
			BackoffMax:       src.durenvms("SYNC_BACKOFF_MAX_MS", 8000),
			LockTTL:          src.durenv("SYNC_LOCK_TTL", 30*time.Minute),
			RunLogLimit:      src.atoienv("SYNC_RUN_LOG_LIMIT", 200),
		},
		Cart: Cart{
			Key:                   src.getenv("CART_KEY", "midasCart"),
			FreeShippingThreshold: src.decenv("CART_FREE_SHIPPING_THRESHOLD", "99.00"),
			FlatShippingFee:       src.decenv("CART_FLAT_SHIPPING_FEE", "9.99"),
			PlaceholderImage:      src.getenv("CART_PLACEHOLDER_IMAGE", "/images/placeholder-part.png"),
			LenientPrice:          src.boolenv("CART_LENIENT_PRICE", false),
			TTL:                   src.durenv("CART_TTL", 720*time.Hour),
		},
		Sales: Sales{
			QueueBuffer:             src.atoienv("SALE_QUEUE_BUFFER", 128),
			InitialWorkerCount:      initialWorkers,
			WorkerMin:               minWorkers,
			WorkerMax:               maxWorkers,
			ScaleInterval:           src.durenvms("SALE_SCALE_INTERVAL_MS", 500),
			ScaleUpBacklogPerWorker: src.atoienv("SALE_SCALE_UP_BACKLOG_PER_WORKER", 50),
			ScaleDownIdleTicks:      src.atoienv("SALE_SCALE_DOWN_IDLE_TICKS", 6),
			QueueHighWatermark:      src.atoienv("SALE_QUEUE_HIGH_WATERMARK", 5000),
		},
		Maintenance: Maintenance{
			SyncInterval:      src.durenv("SYNC_INTERVAL", 15*time.Minute),
			BackupInterval:    src.durenv("BACKUP_INTERVAL", 24*time.Hour),
			HealthInterval:    src.durenv("HEALTH_INTERVAL", 5*time.Minute),
			BackupDir:         src.getenv("BACKUP_DIR", "./backups"),
			BackupRetention:   time.Duration(src.atoienv("BACKUP_RETENTION_DAYS", 7)) * 24 * time.Hour,
			PerfLatencyBudget: src.durenvms("PERF_LATENCY_BUDGET_MS", 2000),
		},
		RedisURL:    src.getenv("REDIS_URL", ""),
		DatabaseURL: src.getenv("DATABASE_URL", ""),
	}
}
