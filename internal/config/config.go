// Package config loads the census identity service's configuration: key
// material locations, policy parameters, and network addresses. The shape
// follows the teacher's flat env-driven Config struct, with a yaml.v3
// bootstrap file layered underneath for local/dev runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting C8 names: key material, policy constants, and
// the network surface this process exposes.
type Config struct {
	// Server configuration
	ListenAddr  string
	MetricsAddr string

	// Data and key material
	DataDir             string
	VerificationKeyPath string
	SignerKeyPath       string
	AdminSaltHex        string
	AdminOperatorKeyHex string
	AdminPublicKeysHex  []string

	// On-chain publish target
	ChainRPCURL    string
	ChainProgramID string
	ChainID        int64

	// Policy parameters (spec.md §6)
	TreeDepth         int
	RecentRootsWindow int
	AttestationTtl    time.Duration
	RequestTtl        time.Duration
	ScopeDuration     time.Duration

	// Optional durable KV mirror for admin audit queries
	AuditDBEnabled bool
	AuditDBDir     string

	LogLevel string
}

// policyFile is the shape of the optional config/policy.yaml bootstrap
// file: a convenience for local runs, always overridden by environment
// variables when both are present.
type policyFile struct {
	TreeDepth         int    `yaml:"treeDepth"`
	RecentRootsWindow int    `yaml:"recentRootsWindow"`
	AttestationTtl    string `yaml:"attestationTtl"`
	RequestTtl        string `yaml:"requestTtl"`
	ScopeDuration     string `yaml:"scopeDuration"`
}

// Load builds a Config from environment variables, layered over defaults
// taken from policyPath (if it exists). Environment variables always win.
func Load(policyPath string) (*Config, error) {
	policy := loadPolicyFile(policyPath)

	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		DataDir:             getEnv("DATA_DIR", "./data"),
		VerificationKeyPath: getEnv("VERIFICATION_KEY_PATH", ""),
		SignerKeyPath:       getEnv("SIGNER_KEY_PATH", ""),
		AdminSaltHex:        getEnv("ADMIN_SALT", ""),
		AdminOperatorKeyHex: getEnv("ADMIN_OPERATOR_KEY", ""),
		AdminPublicKeysHex:  splitCommaList(getEnv("ADMIN_PUBLIC_KEYS", "")),

		ChainRPCURL:    getEnv("CHAIN_RPC_URL", ""),
		ChainProgramID: getEnv("CHAIN_PROGRAM_ID", ""),
		ChainID:        int64(getEnvInt("CHAIN_ID", 1)),

		TreeDepth:         getEnvInt("TREE_DEPTH", fallbackInt(policy.TreeDepth, 20)),
		RecentRootsWindow: getEnvInt("RECENT_ROOTS_WINDOW", fallbackInt(policy.RecentRootsWindow, 8)),
		AttestationTtl:    getEnvDuration("ATTESTATION_TTL", fallbackDuration(policy.AttestationTtl, 300*time.Second)),
		RequestTtl:        getEnvDuration("REQUEST_TTL", fallbackDuration(policy.RequestTtl, 7*24*time.Hour)),
		ScopeDuration:     getEnvDuration("SCOPE_DURATION", fallbackDuration(policy.ScopeDuration, 24*time.Hour)),

		AuditDBEnabled: getEnvBool("AUDIT_DB_ENABLED", false),
		AuditDBDir:     getEnv("AUDIT_DB_DIR", "./data/audit"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func loadPolicyFile(path string) policyFile {
	if path == "" {
		return policyFile{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policyFile{}
	}
	var p policyFile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return policyFile{}
	}
	return p
}

// Validate checks that all required configuration is present for a
// production run. Call after Load() before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if c.VerificationKeyPath == "" {
		errs = append(errs, "VERIFICATION_KEY_PATH is required but not set")
	}
	if c.SignerKeyPath == "" {
		errs = append(errs, "SIGNER_KEY_PATH is required but not set")
	}
	if c.AdminSaltHex == "" {
		errs = append(errs, "ADMIN_SALT is required but not set")
	}
	if len(c.AdminPublicKeysHex) == 0 {
		errs = append(errs, "ADMIN_PUBLIC_KEYS is required but not set")
	}
	if c.TreeDepth <= 0 || c.TreeDepth > 32 {
		errs = append(errs, "TREE_DEPTH must be between 1 and 32")
	}
	if c.RecentRootsWindow <= 0 {
		errs = append(errs, "RECENT_ROOTS_WINDOW must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development, where key material may come from generated throwaway keys.
func (c *Config) ValidateForDevelopment() error {
	if c.TreeDepth <= 0 || c.TreeDepth > 32 {
		return fmt.Errorf("development configuration validation failed:\n  - TREE_DEPTH must be between 1 and 32")
	}
	return nil
}

func fallbackInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func fallbackDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func splitCommaList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
