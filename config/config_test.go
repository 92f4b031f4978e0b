package config

import (
	"testing"
	"time"
)

func TestDefault_Validates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative workers", func(c *Config) { c.WorkerCount = -1 }},
		{"negative queue", func(c *Config) { c.QueueSize = -4 }},
		{"negative ttl", func(c *Config) { c.DefaultTTL = -time.Second }},
		{"negative grace", func(c *Config) { c.FailureGrace = -time.Second }},
		{"negative timeout", func(c *Config) { c.ShortTimeout = -time.Second }},
		{"zero variant ttl", func(c *Config) { c.VariantTTL = map[string]time.Duration{"thumbnail": 0} }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"negative loader retries", func(c *Config) { c.LoaderMaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestWorkers_ResolvesZeroToNumCPU(t *testing.T) {
	cfg := Default()
	if cfg.Workers() < 1 {
		t.Fatalf("workers = %d", cfg.Workers())
	}
	cfg.WorkerCount = 3
	if cfg.Workers() != 3 {
		t.Fatalf("workers = %d, want 3", cfg.Workers())
	}
}

func TestTTLFor_VariantOverride(t *testing.T) {
	cfg := Default()
	cfg.DefaultTTL = time.Minute
	cfg.VariantTTL = map[string]time.Duration{"thumbnail": time.Hour}

	if got := cfg.TTLFor("thumbnail"); got != time.Hour {
		t.Fatalf("thumbnail ttl = %v", got)
	}
	if got := cfg.TTLFor("large"); got != time.Minute {
		t.Fatalf("large ttl = %v", got)
	}
}

func TestTimeoutFor(t *testing.T) {
	cfg := Default()
	cfg.ShortTimeout = 2 * time.Second
	cfg.LongTimeout = 20 * time.Second

	if got := cfg.TimeoutFor(false); got != 2*time.Second {
		t.Fatalf("short = %v", got)
	}
	if got := cfg.TimeoutFor(true); got != 20*time.Second {
		t.Fatalf("long = %v", got)
	}
}
