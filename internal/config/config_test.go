package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsWithoutPolicyFile(t *testing.T) {
	clearEnv(t, "TREE_DEPTH", "RECENT_ROOTS_WINDOW", "ATTESTATION_TTL", "REQUEST_TTL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TreeDepth != 20 {
		t.Errorf("expected default tree depth 20, got %d", cfg.TreeDepth)
	}
	if cfg.RecentRootsWindow != 8 {
		t.Errorf("expected default recent roots window 8, got %d", cfg.RecentRootsWindow)
	}
	if cfg.AttestationTtl != 300*time.Second {
		t.Errorf("expected default attestation ttl 300s, got %s", cfg.AttestationTtl)
	}
	if cfg.RequestTtl != 7*24*time.Hour {
		t.Errorf("expected default request ttl 7d, got %s", cfg.RequestTtl)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t, "TREE_DEPTH")
	os.Setenv("TREE_DEPTH", "16")
	t.Cleanup(func() { os.Unsetenv("TREE_DEPTH") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TreeDepth != 16 {
		t.Errorf("expected env override to win, got %d", cfg.TreeDepth)
	}
}

func TestValidate_RequiresKeyMaterial(t *testing.T) {
	cfg := &Config{TreeDepth: 20, RecentRootsWindow: 8}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing key material")
	}
}

func TestValidate_PassesWithRequiredFields(t *testing.T) {
	cfg := &Config{
		TreeDepth:          20,
		RecentRootsWindow:  8,
		VerificationKeyPath: "vk.bin",
		SignerKeyPath:       "signer.key",
		AdminSaltHex:        "deadbeef",
		AdminPublicKeysHex:  []string{"0xabc"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateForDevelopment_OnlyChecksTreeDepth(t *testing.T) {
	cfg := &Config{TreeDepth: 20}
	if err := cfg.ValidateForDevelopment(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	cfg.TreeDepth = 0
	if err := cfg.ValidateForDevelopment(); err == nil {
		t.Fatal("expected error for invalid tree depth")
	}
}
