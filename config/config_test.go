package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsGateFields(t *testing.T) {
	c := &Config{}
	ApplyDefaults(c)

	assert.Equal(t, float64(75), c.QualityGate.MinimumProjectScore)
	assert.Equal(t, "admin", c.QualityGate.PrivilegedRole)
	assert.Equal(t, 30, c.QualityGate.ReportCacheTTLSeconds)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	c := &Config{}
	c.QualityGate.MinimumProjectScore = 60
	c.QualityGate.PrivilegedRole = "supervisor"
	c.QualityGate.ReportCacheTTLSeconds = 120
	ApplyDefaults(c)

	assert.Equal(t, float64(60), c.QualityGate.MinimumProjectScore)
	assert.Equal(t, "supervisor", c.QualityGate.PrivilegedRole)
	assert.Equal(t, 120, c.QualityGate.ReportCacheTTLSeconds)
}
