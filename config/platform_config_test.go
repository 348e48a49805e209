package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformConfig_OrgValidation(t *testing.T) {
	platformCfg := func(org string) *Config {
		return &Config{Platform: PlatformConfig{Org: org, ID: "site-north"}}
	}

	valid := []string{"c360", "c360-geo.dev", "c360_geo"}
	for _, org := range valid {
		t.Run("valid "+org, func(t *testing.T) {
			assert.NoError(t, platformCfg(org).Validate())
		})
	}

	invalid := map[string]string{
		"":          "platform.org is required",
		"c360@corp": "platform.org 'c360@corp' is not valid for NATS subjects",
		"c360 corp": "platform.org 'c360 corp' is not valid for NATS subjects",
	}
	for org, wantError := range invalid {
		t.Run("invalid "+org, func(t *testing.T) {
			err := platformCfg(org).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), wantError)
		})
	}

	t.Run("org normalized to lowercase", func(t *testing.T) {
		cfg := platformCfg("C360")
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "c360", cfg.Platform.Org)
	})
}

func TestIsValidNATSSubjectPart(t *testing.T) {
	// Uppercase passes because Validate lowercases before checking.
	valid := []string{"c360", "C360", "c360-corp", "c360_geo", "c360.corp", "123org"}
	for _, input := range valid {
		t.Run(input, func(t *testing.T) {
			assert.True(t, isValidNATSSubjectPart(input))
		})
	}

	invalid := []string{"", "c360@corp", "c360 corp", "c360#corp", "c360!corp", "c360*", "c360>"}
	for _, input := range invalid {
		t.Run(input, func(t *testing.T) {
			assert.False(t, isValidNATSSubjectPart(input))
		})
	}
}
