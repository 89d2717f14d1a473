package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/testutil"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

// validConfig is DefaultConfig with a cascade path so it passes Validate.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.CascadePath = "/models/facefinder"
	return cfg
}

func TestDefaultConfig_RequiresCascade(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.FaceLocator != LocatorPigo {
		t.Fatalf("default locator = %q, want %q", cfg.FaceLocator, LocatorPigo)
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrCascadeRequired) {
		t.Fatalf("expected ErrCascadeRequired, got %v", err)
	}
	if !strings.Contains(err.Error(), EnvCascadePath) {
		t.Fatalf("error should name %s: %v", EnvCascadePath, err)
	}

	cfg.FaceLocator = LocatorFixed
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixed locator opt-in should validate: %v", err)
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if strings.HasPrefix(cfg.StorageRoot, "~") {
		t.Fatalf("storage root not expanded: %s", cfg.StorageRoot)
	}
	if !cfg.Pipeline.IsolateFailures {
		t.Fatalf("failure isolation should default on")
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	err := cfg.applyEnv(lookupFrom(map[string]string{
		EnvListenAddr:      "127.0.0.1:9999",
		EnvStorageRoot:     "/tmp/deepscan-test",
		EnvAnalyzerTimeout: "250ms",
		EnvIsolateFailures: "false",
		EnvFaceLocator:     "PIGO",
		EnvCascadePath:     "/models/facefinder",
		EnvMaxUploadBytes:  "1048576",
		EnvMaxFrames:       "4",
		EnvRedisAddr:       "localhost:6379",
		EnvCacheTTL:        "5m",
		EnvFetchPrivate:    "true",
		EnvLogDebug:        "1",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9999" || cfg.StorageRoot != "/tmp/deepscan-test" {
		t.Fatalf("strings not applied: %+v", cfg)
	}
	if cfg.Pipeline.AnalyzerTimeout != 250*time.Millisecond || cfg.Pipeline.IsolateFailures {
		t.Fatalf("pipeline not applied: %+v", cfg.Pipeline)
	}
	if cfg.FaceLocator != LocatorPigo || cfg.CascadePath != "/models/facefinder" {
		t.Fatalf("locator not applied: %s %s", cfg.FaceLocator, cfg.CascadePath)
	}
	if cfg.MaxUploadBytes != 1<<20 || cfg.Fetch.MaxBodyBytes != 1<<20 {
		t.Fatalf("upload cap not applied: %d / %d", cfg.MaxUploadBytes, cfg.Fetch.MaxBodyBytes)
	}
	if cfg.MaxFrames != 4 {
		t.Fatalf("max frames not applied: %d", cfg.MaxFrames)
	}
	if !cfg.Fetch.AllowPrivateNetworks {
		t.Fatalf("fetch guard override not applied")
	}
	if cfg.CacheTTL != 5*time.Minute || !cfg.LogDebug || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("cache/log not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfig_ApplyEnvRejectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	err := cfg.applyEnv(lookupFrom(map[string]string{
		EnvAnalyzerTimeout: "soon",
		EnvIsolateFailures: "maybe",
	}))
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	if !strings.Contains(err.Error(), EnvAnalyzerTimeout) || !strings.Contains(err.Error(), EnvIsolateFailures) {
		t.Fatalf("error should name both keys: %v", err)
	}
}

func TestConfig_ValidateRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown locator", func(c *Config) { c.FaceLocator = "haar" }},
		{"pigo without cascade", func(c *Config) { c.CascadePath = " " }},
		{"zero upload cap", func(c *Config) { c.MaxUploadBytes = 0 }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero job retention", func(c *Config) { c.JobRetention = 0 }},
		{"zero max frames", func(c *Config) { c.MaxFrames = 0 }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "DEEPSCAN_STORAGE_ROOT=" + dir + "\nDEEPSCAN_JOB_RETENTION=90s\nDEEPSCAN_FACE_LOCATOR=fixed\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv.Load never overrides variables that are already set.
	t.Setenv(EnvStorageRoot, "")
	os.Unsetenv(EnvStorageRoot)
	t.Setenv(EnvJobRetention, "")
	os.Unsetenv(EnvJobRetention)
	t.Setenv(EnvFaceLocator, "")
	os.Unsetenv(EnvFaceLocator)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StorageRoot != dir || cfg.JobRetention != 90*time.Second || cfg.FaceLocator != LocatorFixed {
		t.Fatalf("env file not applied: root=%s retention=%v", cfg.StorageRoot, cfg.JobRetention)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "deepscan.db") {
		t.Fatalf("DatabasePath = %s", cfg.DatabasePath())
	}
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestBuildLocator(t *testing.T) {
	t.Parallel()
	logger := &testutil.DummyLogger{}

	fixed := DefaultConfig()
	fixed.FaceLocator = LocatorFixed
	loc, err := BuildLocator(fixed, logger)
	if err != nil {
		t.Fatalf("BuildLocator: %v", err)
	}
	if _, ok := loc.(*face.FixedLocator); !ok {
		t.Fatalf("expected fixed locator, got %T", loc)
	}

	cfg := DefaultConfig()
	cfg.FaceLocator = LocatorPigo
	cfg.CascadePath = filepath.Join(t.TempDir(), "missing-cascade")
	if _, err := BuildLocator(cfg, logger); err == nil {
		t.Fatalf("expected error for missing cascade")
	}
}
