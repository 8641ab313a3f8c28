package config

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Backend.Name != "sift" {
		t.Errorf("expected sift backend, got %q", cfg.Backend.Name)
	}
	if cfg.Vocabulary.K != 64 || cfg.Vocabulary.MaxPerImage != 2000 {
		t.Errorf("unexpected vocabulary defaults: %+v", cfg.Vocabulary)
	}
	if cfg.Index.M != 32 || cfg.Index.EfSearch != 64 || cfg.Index.DuplicateEpsilon != 1e-9 {
		t.Errorf("unexpected index defaults: %+v", cfg.Index)
	}
	if cfg.Retrieval.Candidates != 20 || cfg.Retrieval.ConfidenceThreshold != 15 || cfg.Retrieval.ResultLimit != 5 {
		t.Errorf("unexpected retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Verify.Ratio != 0.7 {
		t.Errorf("expected ratio 0.7, got %f", cfg.Verify.Ratio)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_NoEnv(t *testing.T) {
	cfg := Load()
	d := Defaults()

	if cfg.Storage != d.Storage {
		t.Errorf("storage = %+v, want %+v", cfg.Storage, d.Storage)
	}
	if cfg.Extractor != d.Extractor {
		t.Errorf("extractor = %+v, want %+v", cfg.Extractor, d.Extractor)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TURTLE_BACKEND", "Remote")
	t.Setenv("FEATURE_SERVICE_URL", "http://features:9000")
	t.Setenv("VOCAB_K", "128")
	t.Setenv("DUPLICATE_EPSILON", "0.001")
	t.Setenv("CONFIDENCE_THRESHOLD", "25")
	t.Setenv("BOOTSTRAP_ENABLED", "true")
	t.Setenv("SIFT_MAX_FEATURES", "0")
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example.org, ,https://b.example.org")

	cfg := Load()

	if cfg.Backend.Name != "remote" {
		t.Errorf("expected lowercased backend name, got %q", cfg.Backend.Name)
	}
	if cfg.Backend.FeatureURL != "http://features:9000" {
		t.Errorf("feature url = %q", cfg.Backend.FeatureURL)
	}
	if cfg.Vocabulary.K != 128 {
		t.Errorf("K = %d", cfg.Vocabulary.K)
	}
	if cfg.Index.DuplicateEpsilon != 0.001 {
		t.Errorf("epsilon = %g", cfg.Index.DuplicateEpsilon)
	}
	if cfg.Retrieval.ConfidenceThreshold != 25 {
		t.Errorf("threshold = %d", cfg.Retrieval.ConfidenceThreshold)
	}
	if !cfg.Bootstrap.Enabled {
		t.Error("expected bootstrap enabled")
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("port = %d", cfg.Web.Port)
	}
	if got := cfg.Web.AllowedOrigins; len(got) != 2 || got[0] != "https://a.example.org" || got[1] != "https://b.example.org" {
		t.Errorf("allowed origins = %q", got)
	}
}

func TestEnvHelpers_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
		get  func() any
		want any
	}{
		{"int not a number", "X_INT", "abc", func() any { return envInt("X_INT", 7) }, 7},
		{"int negative", "X_INT", "-3", func() any { return envInt("X_INT", 7) }, 7},
		{"int zero", "X_INT", "0", func() any { return envInt("X_INT", 7) }, 0},
		{"float garbage", "X_FLOAT", "1.2.3", func() any { return envFloat("X_FLOAT", 0.5) }, 0.5},
		{"float valid", "X_FLOAT", "2.5", func() any { return envFloat("X_FLOAT", 0.5) }, 2.5},
		{"bool garbage", "X_BOOL", "maybe", func() any { return envBool("X_BOOL", true) }, true},
		{"string empty", "X_STR", "", func() any { return envString("X_STR", "def") }, "def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if got := tt.get(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Name = "orb" }, "backend.name"},
		{"remote without url", func(c *Config) { c.Backend.Name = "remote"; c.Backend.FeatureURL = "" }, "feature_url"},
		{"zero k", func(c *Config) { c.Vocabulary.K = 0 }, "vocabulary.k"},
		{"ratio too large", func(c *Config) { c.Verify.Ratio = 1.2 }, "verify.ratio"},
		{"negative epsilon", func(c *Config) { c.Index.DuplicateEpsilon = -1 }, "duplicate_epsilon"},
		{"pool below limit", func(c *Config) { c.Retrieval.Candidates = 3 }, "retrieval.candidates"},
		{"missing artifact dir", func(c *Config) { c.Storage.ArtifactDir = "" }, "artifact_dir"},
		{"port out of range", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
