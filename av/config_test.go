package av

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, testConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iteration interval", func(c *Config) { c.IterationInterval = 0 }},
		{"zero signal timeout", func(c *Config) { c.SignalTimeout = 0 }},
		{"negative restart timeout", func(c *Config) { c.ICERestartTimeout = -time.Second }},
		{"zero quality interval", func(c *Config) { c.QualityInterval = 0 }},
		{"zero slice interval", func(c *Config) { c.RecordingSliceInterval = 0 }},
		{"zero speaking interval", func(c *Config) { c.SpeakingInterval = 0 }},
		{"negative ring delay", func(c *Config) { c.DemoRingDelay = -1 }},
		{"negative grace", func(c *Config) { c.ErrorGracePeriod = -1 }},
		{"no speakers", func(c *Config) { c.MaxSpeakers = 0 }},
		{"no dial concurrency", func(c *Config) { c.GroupDialConcurrency = 0 }},
		{"threshold above one", func(c *Config) { c.SpeakingThreshold = 1.5 }},
		{"no chat rate", func(c *Config) { c.ChatRateLimit = 0 }},
		{"no chat burst", func(c *Config) { c.ChatBurst = 0 }},
		{"inverted loss band", func(c *Config) { c.Quality.ExcellentLoss = 0.1 }},
		{"inverted rtt band", func(c *Config) { c.Quality.ExcellentRTT = time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigZeroDelaysAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DemoRingDelay = 0
	cfg.ErrorGracePeriod = 0
	assert.NoError(t, cfg.Validate())
}
