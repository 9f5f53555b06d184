package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	RoleGateway   = "gateway"
	RoleOrder     = "order"
	RoleInventory = "inventory"
	RoleMigrate   = "migrate"
)

type Config struct {
	Role         string
	LogLevel     string
	OTLPEndpoint string

	// gateway
	GatewayPort      int
	RoutesFile       string
	Backends         map[string]string
	BreakerThreshold uint32
	BreakerReset     time.Duration
	UpstreamTimeout  time.Duration
	RedisURL         string

	// order service
	OrderPort        int
	DatabaseURL      string
	AMQPURL          string
	EventsExchange   string
	InventoryURL     string
	InventoryTimeout time.Duration
	PublishTimeout   time.Duration

	// inventory service
	InventoryPort int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := getenv(key, strconv.Itoa(def))
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, def.String())
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func checkURL(key, v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: scheme and host required", key)
	}
	return nil
}

// Parse reads the environment for the given role. Settings that belong to
// other roles are still parsed so a misconfigured value fails fast.
func Parse(role string) (*Config, error) {
	cfg := &Config{
		Role:           role,
		LogLevel:       getenv("LOG_LEVEL", "info"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RoutesFile:     os.Getenv("ROUTES_FILE"),
		RedisURL:       os.Getenv("REDIS_URL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		EventsExchange: getenv("EVENTS_EXCHANGE", "lifecontrol.events"),
		InventoryURL:   getenv("INVENTORY_URL", "http://localhost:8082"),
		Backends: map[string]string{
			"product":   getenv("BACKEND_PRODUCT_URL", "http://localhost:8080"),
			"order":     getenv("BACKEND_ORDER_URL", "http://localhost:8081"),
			"inventory": getenv("BACKEND_INVENTORY_URL", "http://localhost:8082"),
			"user":      getenv("BACKEND_USER_URL", "http://lifecontrol-api:8082"),
		},
	}

	var err error
	if cfg.GatewayPort, err = getint("GATEWAY_PORT", 9000); err != nil {
		return nil, err
	}
	if cfg.OrderPort, err = getint("ORDER_PORT", 8081); err != nil {
		return nil, err
	}
	if cfg.InventoryPort, err = getint("INVENTORY_PORT", 8082); err != nil {
		return nil, err
	}
	threshold, err := getint("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD: must be >= 1")
	}
	cfg.BreakerThreshold = uint32(threshold)
	if cfg.BreakerReset, err = getduration("BREAKER_RESET_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getduration("UPSTREAM_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.InventoryTimeout, err = getduration("INVENTORY_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout, err = getduration("PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	for name, addr := range cfg.Backends {
		if err := checkURL("backend "+name, addr); err != nil {
			return nil, err
		}
	}

	switch role {
	case RoleGateway:
	case RoleOrder:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("AMQP_URL is required")
		}
		if err := checkURL("INVENTORY_URL", cfg.InventoryURL); err != nil {
			return nil, err
		}
	case RoleInventory:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required")
		}
	case RoleMigrate:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if cfg.DatabaseURL != "" {
		if _, err := url.Parse(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}
	return cfg, nil
}
