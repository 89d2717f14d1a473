package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/raster"
	"github.com/raysh454/deepscan/internal/webclient"
)

// Face locator choices. LocatorFixed places a synthetic box without looking
// at the pixels and only exists for tests and demos.
const (
	LocatorFixed = "fixed"
	LocatorPigo  = "pigo"
)

// ErrCascadeRequired is returned by Validate when the pigo locator has no
// cascade file.
var ErrCascadeRequired = errors.New("pigo face locator needs a cascade file")

// Environment keys read by LoadConfig.
const (
	EnvListenAddr      = "DEEPSCAN_LISTEN_ADDR"
	EnvStorageRoot     = "DEEPSCAN_STORAGE_ROOT"
	EnvAnalyzerTimeout = "DEEPSCAN_ANALYZER_TIMEOUT"
	EnvIsolateFailures = "DEEPSCAN_ISOLATE_FAILURES"
	EnvFaceLocator     = "DEEPSCAN_FACE_LOCATOR"
	EnvCascadePath     = "DEEPSCAN_CASCADE_PATH"
	EnvMaxUploadBytes  = "DEEPSCAN_MAX_UPLOAD_BYTES"
	EnvMaxFrames       = "DEEPSCAN_MAX_FRAMES"
	EnvRedisAddr       = "DEEPSCAN_REDIS_ADDR"
	EnvCacheTTL        = "DEEPSCAN_CACHE_TTL"
	EnvJobRetention    = "DEEPSCAN_JOB_RETENTION"
	EnvFetchTimeout    = "DEEPSCAN_FETCH_TIMEOUT"
	EnvFetchPrivate    = "DEEPSCAN_FETCH_ALLOW_PRIVATE"
	EnvLogDebug        = "DEEPSCAN_LOG_DEBUG"
)

// Config is the runtime configuration shared by the service, server and CLI.
type Config struct {
	// ListenAddr is the HTTP listen address for the API server.
	ListenAddr string `validate:"required"`

	// StorageRoot holds the analysis database.
	StorageRoot string `validate:"required"`

	// MaxUploadBytes caps uploaded and fetched image sizes.
	MaxUploadBytes int64 `validate:"gt=0"`

	// MaxFrames is how many evenly spaced frames of an animated GIF are
	// analyzed and averaged.
	MaxFrames int `validate:"gte=1,lte=100"`

	Pipeline pipeline.Config

	// FaceLocator selects the detector: "pigo" (default) or "fixed".
	FaceLocator string `validate:"oneof=fixed pigo"`
	CascadePath string `validate:"required_if=FaceLocator pigo"`

	// RedisAddr enables the shared verdict cache when set; otherwise an
	// in-process cache is used.
	RedisAddr string
	CacheTTL  time.Duration `validate:"gte=0"`

	// JobRetention is how long finished jobs stay queryable.
	JobRetention time.Duration `validate:"gt=0"`

	Fetch webclient.Config

	LogDebug bool
}

// DefaultConfig returns a Config populated with sensible defaults. CascadePath
// has no default and must be supplied for the pigo locator.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		StorageRoot:    "~/.config/deepscan",
		MaxUploadBytes: 20 << 20,
		MaxFrames:      raster.DefaultMaxFrames,
		Pipeline:       pipeline.DefaultConfig(),
		FaceLocator:    LocatorPigo,
		CacheTTL:       time.Hour,
		JobRetention:   10 * time.Minute,
		Fetch:          webclient.DefaultConfig(),
	}
}

// LoadConfig starts from DefaultConfig, loads envFile if given, then applies
// DEEPSCAN_* environment overrides and validates the result.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := cast.ToDurationE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := cast.ToBoolE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	count := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := cast.ToIntE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := cast.ToInt64E(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(EnvListenAddr, &c.ListenAddr)
	str(EnvStorageRoot, &c.StorageRoot)
	dur(EnvAnalyzerTimeout, &c.Pipeline.AnalyzerTimeout)
	boolean(EnvIsolateFailures, &c.Pipeline.IsolateFailures)
	str(EnvFaceLocator, &c.FaceLocator)
	str(EnvCascadePath, &c.CascadePath)
	integer(EnvMaxUploadBytes, &c.MaxUploadBytes)
	count(EnvMaxFrames, &c.MaxFrames)
	str(EnvRedisAddr, &c.RedisAddr)
	dur(EnvCacheTTL, &c.CacheTTL)
	dur(EnvJobRetention, &c.JobRetention)
	dur(EnvFetchTimeout, &c.Fetch.Timeout)
	boolean(EnvFetchPrivate, &c.Fetch.AllowPrivateNetworks)
	boolean(EnvLogDebug, &c.LogDebug)

	c.FaceLocator = strings.ToLower(c.FaceLocator)
	c.Fetch.MaxBodyBytes = c.MaxUploadBytes
	return errors.Join(errs...)
}

var validate = validator.New()

// Validate checks struct constraints and expands a leading ~ in StorageRoot.
func (c *Config) Validate() error {
	if c.FaceLocator == LocatorPigo && strings.TrimSpace(c.CascadePath) == "" {
		return fmt.Errorf("invalid config: set %s (or %s=%s for testing): %w",
			EnvCascadePath, EnvFaceLocator, LocatorFixed, ErrCascadeRequired)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	root, err := expandPath(c.StorageRoot)
	if err != nil {
		return fmt.Errorf("expanding storage root path: %w", err)
	}
	c.StorageRoot = root
	return nil
}

// DatabasePath is the analysis history location under StorageRoot.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StorageRoot, "deepscan.db")
}

// BuildLocator constructs the configured face locator.
func BuildLocator(cfg *Config, logger logging.Logger) (face.Locator, error) {
	switch cfg.FaceLocator {
	case LocatorPigo:
		loc, err := face.NewPigoLocatorFromFile(cfg.CascadePath, face.DefaultPigoOptions())
		if err != nil {
			return nil, err
		}
		logger.Info("using pigo face locator", logging.Field{Key: "cascade", Value: cfg.CascadePath})
		return loc, nil
	case LocatorFixed:
		logger.Warn("using fixed face locator; verdicts do not reflect a detected face")
		return face.NewFixedLocator(), nil
	default:
		return nil, fmt.Errorf("unknown face locator %q", cfg.FaceLocator)
	}
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
