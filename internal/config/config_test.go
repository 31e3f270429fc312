package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("QUEUE_JOB_TIMEOUT", "45s")
	t.Setenv("ALERT_SINKS", "log, redis")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Queue.JobTimeout != 45*time.Second {
		t.Errorf("Queue.JobTimeout = %v, want %v", cfg.Queue.JobTimeout, 45*time.Second)
	}

	if !cfg.Alert.HasSink("redis") || !cfg.Alert.HasSink("log") || cfg.Alert.HasSink("webhook") {
		t.Errorf("Alert.Sinks = %v, want [log redis]", cfg.Alert.Sinks)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Worker.Concurrency != 10 {
		t.Errorf("Worker.Concurrency = %d, want 10", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Stream != "price-events" {
		t.Errorf("Queue.Stream = %q, want price-events", cfg.Queue.Stream)
	}
	if cfg.Queue.JobKind != "price-update" {
		t.Errorf("Queue.JobKind = %q, want price-update", cfg.Queue.JobKind)
	}
	if cfg.Sweep.Schedule != "" {
		t.Errorf("Sweep.Schedule = %q, want disabled by default", cfg.Sweep.Schedule)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Queue:  QueueConfig{Codec: "json", MaxAttempts: 5, JobTimeout: 30 * time.Second, ReclaimMinIdle: time.Minute},
			Worker: WorkerConfig{Concurrency: 10},
			Alert:  AlertConfig{Sinks: []string{"log"}, BufferSize: 16},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = 0 }, wantErr: true},
		{name: "reclaim before job timeout", mutate: func(c *Config) { c.Queue.ReclaimMinIdle = 10 * time.Second }, wantErr: true},
		{name: "unknown codec", mutate: func(c *Config) { c.Queue.Codec = "xml" }, wantErr: true},
		{name: "msgpack codec", mutate: func(c *Config) { c.Queue.Codec = "msgpack" }},
		{name: "unknown sink", mutate: func(c *Config) { c.Alert.Sinks = []string{"pager"} }, wantErr: true},
		{name: "webhook without url", mutate: func(c *Config) { c.Alert.Sinks = []string{"webhook"} }, wantErr: true},
		{
			name: "webhook with url",
			mutate: func(c *Config) {
				c.Alert.Sinks = []string{"webhook"}
				c.Alert.WebhookURL = "http://hooks.local/drift"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", " log ,webhook,, redis ")

	got := getEnvAsList("TEST_LIST", []string{"default"})
	want := []string{"log", "webhook", "redis"}
	if len(got) != len(want) {
		t.Fatalf("getEnvAsList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvAsList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := getEnvAsList("TEST_LIST_NOTSET", []string{"default"}); len(got) != 1 || got[0] != "default" {
		t.Errorf("getEnvAsList() default = %v", got)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
