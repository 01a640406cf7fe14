package config

import (
	"os"
	"strings"
)

const (
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9090"
	defaultBackend      = BackendMemory
	defaultRedisURL     = "redis://localhost:6379"
	defaultLockTable    = "davlock-locks"
	defaultVersionTable = "davlock-versions"
	defaultFileRoot     = "data/davlock"
	envHTTPAddr         = "DAVLOCK_HTTP_ADDR"
	envMetricsAddr      = "DAVLOCK_METRICS_ADDR"
	envBackend          = "DAVLOCK_BACKEND"
	envRedisURL         = "REDIS_URL"
	envNATSURL          = "NATS_URL"
	envAWSRegion        = "AWS_REGION"
	envDynamoLockTable  = "DAVLOCK_DYNAMO_LOCK_TABLE"
	envDynamoVerTable   = "DAVLOCK_DYNAMO_VERSION_TABLE"
	envDynamoEndpoint   = "DAVLOCK_DYNAMO_ENDPOINT"
	envFileRoot         = "DAVLOCK_FILE_ROOT"
	envDavRoot          = "DAVLOCK_DAV_ROOT"
	envPolicyPath       = "DAVLOCK_POLICY_FILE"
	envJWTSecret        = "DAVLOCK_JWT_SECRET"
	envAPIKeys          = "DAVLOCK_API_KEYS"
	envSecretsProvider  = "DAVLOCK_SECRETS_PROVIDER"
)

// Secret providers selectable through DAVLOCK_SECRETS_PROVIDER.
const (
	SecretsEnv = "env"
	SecretsSSM = "ssm"
)

// Storage backends selectable through DAVLOCK_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendDynamo = "dynamodb"
	BackendFile   = "file"
)

// Config holds runtime configuration for the lock service.
type Config struct {
	HTTPAddr           string
	MetricsAddr        string
	Backend            string
	RedisURL           string
	NatsURL            string
	AWSRegion          string
	DynamoLockTable    string
	DynamoVersionTable string
	DynamoEndpoint     string
	FileRoot           string
	DavRoot            string
	PolicyPath         string
	// JWTSecret and APIKeys may hold secret:// references.
	JWTSecret       string
	APIKeys         string
	SecretsProvider string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:           envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:        envOr(envMetricsAddr, defaultMetricsAddr),
		Backend:            strings.ToLower(envOr(envBackend, defaultBackend)),
		RedisURL:           envOr(envRedisURL, defaultRedisURL),
		NatsURL:            strings.TrimSpace(os.Getenv(envNATSURL)),
		AWSRegion:          strings.TrimSpace(os.Getenv(envAWSRegion)),
		DynamoLockTable:    envOr(envDynamoLockTable, defaultLockTable),
		DynamoVersionTable: envOr(envDynamoVerTable, defaultVersionTable),
		DynamoEndpoint:     strings.TrimSpace(os.Getenv(envDynamoEndpoint)),
		FileRoot:           envOr(envFileRoot, defaultFileRoot),
		DavRoot:            strings.TrimSpace(os.Getenv(envDavRoot)),
		PolicyPath:         strings.TrimSpace(os.Getenv(envPolicyPath)),
		JWTSecret:          strings.TrimSpace(os.Getenv(envJWTSecret)),
		APIKeys:            strings.TrimSpace(os.Getenv(envAPIKeys)),
		SecretsProvider:    strings.ToLower(envOr(envSecretsProvider, SecretsEnv)),
	}
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
