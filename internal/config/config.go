package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	InfraStatic = "static"
	InfraDocker = "docker"

	PolicyStatic    = "static"
	PolicyReconcile = "reconcile"
)

type Config struct {
	HTTPAddr          string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	SourceName        string
	PingInterval      time.Duration
	PingTimeout       time.Duration
	MaxConcurrency    int
	CreateTimeout     time.Duration
	Infra             string
	StaticNodes       []string
	UnitKind          string
	UnitTimeout       time.Duration
	NodeGroup         string
	Policy            string
	TargetFree        int
	ReconcileInterval time.Duration
	DownRetention     time.Duration
	RedisAddr         string
	RedisPrefix       string
	PostgresDSN       string
	DockerImage       string
	DockerNetwork     string
	DockerNodePort    int
	DockerNodePrefix  string
	LogLevel          string
	LogFormat         string
	ShutdownTimeout   time.Duration
	ReleaseForever    bool
	APIKey            string
	RateLimitPerMin   int
}

func Load() Config {
	return Config{
		HTTPAddr:          envOrDefault("POOLD_HTTP_ADDR", ":8080"),
		ReadTimeout:       durationOrDefault("POOLD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      durationOrDefault("POOLD_WRITE_TIMEOUT", 2*time.Minute),
		IdleTimeout:       durationOrDefault("POOLD_IDLE_TIMEOUT", 60*time.Second),
		SourceName:        envOrDefault("POOLD_SOURCE_NAME", "default"),
		PingInterval:      durationOrDefault("POOLD_PING_INTERVAL", 5*time.Second),
		PingTimeout:       durationOrDefault("POOLD_PING_TIMEOUT", 3*time.Second),
		MaxConcurrency:    intOrDefault("POOLD_MAX_CONCURRENCY", 4),
		CreateTimeout:     durationOrDefault("POOLD_CREATE_TIMEOUT", time.Minute),
		Infra:             strings.ToLower(envOrDefault("POOLD_INFRA", InfraStatic)),
		StaticNodes:       listOrDefault("POOLD_STATIC_NODES", nil),
		UnitKind:          strings.ToLower(envOrDefault("POOLD_UNIT_KIND", "grpc")),
		UnitTimeout:       durationOrDefault("POOLD_UNIT_TIMEOUT", 45*time.Second),
		NodeGroup:         envOrDefault("POOLD_NODE_GROUP", ""),
		Policy:            strings.ToLower(envOrDefault("POOLD_POLICY", PolicyStatic)),
		TargetFree:        intOrDefault("POOLD_TARGET_FREE", 0),
		ReconcileInterval: durationOrDefault("POOLD_RECONCILE_INTERVAL", 5*time.Second),
		DownRetention:     durationOrDefault("POOLD_DOWN_RETENTION", 5*time.Minute),
		RedisAddr:         envOrDefault("POOLD_REDIS_ADDR", ""),
		RedisPrefix:       envOrDefault("POOLD_REDIS_PREFIX", "nodepool"),
		PostgresDSN:       envOrDefault("POOLD_POSTGRES_DSN", ""),
		DockerImage:       envOrDefault("POOLD_DOCKER_IMAGE", "nodepool-node:latest"),
		DockerNetwork:     envOrDefault("POOLD_DOCKER_NETWORK", "bridge"),
		DockerNodePort:    intOrDefault("POOLD_DOCKER_NODE_PORT", 9091),
		DockerNodePrefix:  envOrDefault("POOLD_DOCKER_NODE_ID_PREFIX", "poolnode-"),
		LogLevel:          strings.ToLower(envOrDefault("POOLD_LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("POOLD_LOG_FORMAT", "json")),
		ShutdownTimeout:   durationOrDefault("POOLD_SHUTDOWN_TIMEOUT", 30*time.Second),
		ReleaseForever:    boolOrDefault("POOLD_RELEASE_FOREVER", false),
		APIKey:            envOrDefault("POOLD_API_KEY", ""),
		RateLimitPerMin:   intOrDefault("POOLD_RATE_LIMIT_PER_MIN", 0),
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// listOrDefault splits a comma separated value, dropping empty entries.
func listOrDefault(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
