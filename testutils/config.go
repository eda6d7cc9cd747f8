package testutils

import (
	"os"
	"testing"
)

type Config struct {
	SeedAddress string
	Clustered   bool
}

var globalTestConfig *Config

// GetTestConfig reads the live store settings from the environment. Tests
// that need a running store call SkipWithoutStore first.
func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{}

		envSeed := os.Getenv("DBBETEST_SEED")
		if envSeed != "" {
			testConfig.SeedAddress = envSeed
		}

		envClustered := os.Getenv("DBBETEST_CLUSTERED")
		if envClustered == "1" || envClustered == "true" {
			testConfig.Clustered = true
		}

		t.Logf("initialized test configuration")
		t.Logf("  seed: %s", testConfig.SeedAddress)
		t.Logf("  clustered: %v", testConfig.Clustered)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

func SkipWithoutStore(t *testing.T) *Config {
	cfg := GetTestConfig(t)
	if cfg.SeedAddress == "" {
		t.Skip("DBBETEST_SEED not set, skipping live store test")
	}
	return cfg
}
