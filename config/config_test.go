package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.Validate())
}

func TestNewConfig_AppliesOptionsOverEnv(t *testing.T) {
	os.Setenv("POOLCTL_FAIRNESS_MODE", "strict")
	defer os.Unsetenv("POOLCTL_FAIRNESS_MODE")

	c, err := NewConfig(WithFairnessMode("soft"))
	require.NoError(t, err)
	assert.Equal(t, "soft", c.Fairness.Mode)
}

func TestNewConfig_EnvOverridesDefault(t *testing.T) {
	os.Setenv("POOLCTL_MAX_CONCURRENCY_PER_KEY", "9")
	defer os.Unsetenv("POOLCTL_MAX_CONCURRENCY_PER_KEY")

	c, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, c.MaxConcurrencyPerKey)
}

func TestNewConfig_InvalidEnvRejected(t *testing.T) {
	os.Setenv("POOLCTL_FAILURE_THRESHOLD", "not-a-number")
	defer os.Unsetenv("POOLCTL_FAILURE_THRESHOLD")

	_, err := NewConfig()
	assert.Error(t, err)
}

func TestValidate_RejectsPartialConfig(t *testing.T) {
	c := DefaultConfig()
	c.MaxConcurrencyPerKey = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Fairness.Mode = "bogus"
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.GLM5.Enabled = true
	c.GLM5.PreferredModelID = ""
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.MaxDecisions = 0
	assert.Error(t, c.Validate())
}

func TestWithOptionError_NeverReturnsPartialConfig(t *testing.T) {
	_, err := NewConfig(func(c *Config) error {
		c.MaxConcurrencyPerKey = -1
		return nil
	})
	assert.Error(t, err)
}

func TestLoadTiersFromYAML_ParsesAndDefaultsStrategy(t *testing.T) {
	data := []byte(`
light:
  models: [gpt-light]
medium:
  models: [gpt-medium, gpt-medium-alt]
  strategy: throughput
heavy:
  models: [gpt-heavy]
  strategy: pool
`)
	tiers, err := LoadTiersFromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-light"}, tiers.Light.Models)
	assert.Equal(t, "balanced", tiers.Light.Strategy)
	assert.Equal(t, "throughput", tiers.Medium.Strategy)
	assert.Equal(t, "pool", tiers.Heavy.Strategy)
}

func TestLoadTiersFromYAML_RejectsUnknownStrategy(t *testing.T) {
	data := []byte(`
light:
  models: [gpt-light]
  strategy: bogus
`)
	_, err := LoadTiersFromYAML(data)
	assert.Error(t, err)
}

func TestLoadTiersFromYAML_RejectsMalformedYAML(t *testing.T) {
	_, err := LoadTiersFromYAML([]byte("light: [this is not a mapping"))
	assert.Error(t, err)
}
