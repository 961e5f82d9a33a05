// Package core holds the worker's configuration, configuration errors with
// actionable hints, and small shared helpers.
package core

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by PIPELINE_BACKEND.
const (
	BackendProcedural = "procedural"
	BackendSDWebUI    = "sdwebui"
	BackendGemini     = "gemini"
)

// Job stores accepted by JOB_STORE.
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

// Device names accepted by DEVICE.
const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// Readiness policies accepted by READINESS.
const (
	ReadinessEager = "eager"
	ReadinessLazy  = "lazy"
)

// Request default profiles accepted by PROFILE.
const (
	ProfileStandard = "standard"
	ProfileLight    = "light"
)

// Defaults mirror the SDXL + IP-Adapter Plus Face deployment.
const (
	DefaultModelID           = "stabilityai/stable-diffusion-xl-base-1.0"
	DefaultAdapterSource     = "h94/IP-Adapter"
	DefaultAdapterSubfolder  = "sdxl_models"
	DefaultAdapterWeight     = "ip-adapter-plus-face_sdxl_vit-h.safetensors"
	DefaultAdapterScale      = 0.7
	DefaultLCMLoRA           = "latent-consistency/lcm-lora-sdxl"
	DefaultPort              = 8000
	DefaultWorkerConcurrency = 1
	DefaultQueueSize         = 64
	DefaultFetchMaxBytes     = 20 << 20
	DefaultLogFile           = "worker.log"
)

// Config is the complete worker configuration.
//
// Values are resolved in three layers: built-in defaults, then the optional
// YAML file named by CONFIG_FILE, then environment variables (a .env file is
// loaded into the environment by main before LoadConfig runs).
type Config struct {
	// Model capability
	Backend          string  `yaml:"backend"`
	ModelID          string  `yaml:"model_id"`
	Device           string  `yaml:"device"`
	SDWebUIURL       string  `yaml:"sdwebui_url"`
	SDWebUITimeout   Seconds `yaml:"sdwebui_timeout_seconds"`
	SDWebUIAuth      string  `yaml:"-"`
	GeminiAPIKey     string  `yaml:"-"`
	GeminiBaseURL    string  `yaml:"gemini_base_url"`
	AdapterSource    string  `yaml:"ip_adapter_source"`
	AdapterSubfolder string  `yaml:"ip_adapter_subfolder"`
	AdapterWeight    string  `yaml:"ip_adapter_weight"`
	AdapterScale     float64 `yaml:"ip_adapter_scale"`
	UseLCM           bool    `yaml:"use_lcm"`
	LCMLoRA          string  `yaml:"lcm_lora"`

	// Credentials and mounts; only used for hints, never logged.
	HFToken       string `yaml:"-"`
	ModelCacheDir string `yaml:"model_cache_dir"`

	// Request handling
	Readiness     string  `yaml:"readiness"`
	Profile       string  `yaml:"profile"`
	FetchTimeout  Seconds `yaml:"fetch_timeout_seconds"`
	FetchMaxBytes int64   `yaml:"fetch_max_bytes"`
	FetchCacheTTL Seconds `yaml:"fetch_cache_ttl_seconds"`
	// FetchCacheMaxItems bounds the URL cache when FetchCacheTTL is set.
	FetchCacheMaxItems int `yaml:"fetch_cache_max_items"`

	// Transport
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	WorkerConcurrency int     `yaml:"worker_concurrency"`
	QueueSize         int     `yaml:"queue_size"`
	JobTTL            Seconds `yaml:"job_ttl_seconds"`
	JobStore          string  `yaml:"job_store"`
	RedisURL          string  `yaml:"redis_url"`
	RateLimitRPS      float64 `yaml:"rate_limit_rps"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
	ShutdownTimeout   Seconds `yaml:"shutdown_timeout_seconds"`
	AllowInsecureTLS  bool    `yaml:"allow_insecure_tls"`

	// Logging
	DevMode  bool   `yaml:"dev_mode"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Seconds is a duration written as whole seconds in YAML.
type Seconds time.Duration

// UnmarshalYAML decodes an integer number of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("expected whole seconds: %w", err)
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:          BackendProcedural,
		ModelID:          DefaultModelID,
		Device:           DeviceAuto,
		SDWebUIURL:       "http://127.0.0.1:7860",
		SDWebUITimeout:   Seconds(10 * time.Minute),
		AdapterSource:    DefaultAdapterSource,
		AdapterSubfolder: DefaultAdapterSubfolder,
		AdapterWeight:    DefaultAdapterWeight,
		AdapterScale:     DefaultAdapterScale,
		LCMLoRA:          DefaultLCMLoRA,

		Readiness:          ReadinessEager,
		Profile:            ProfileStandard,
		FetchTimeout:       Seconds(60 * time.Second),
		FetchMaxBytes:      DefaultFetchMaxBytes,
		FetchCacheMaxItems: 32,

		Host:              "0.0.0.0",
		Port:              DefaultPort,
		WorkerConcurrency: DefaultWorkerConcurrency,
		QueueSize:         DefaultQueueSize,
		JobTTL:            Seconds(30 * time.Minute),
		JobStore:          JobStoreMemory,
		RateLimitBurst:    10,
		ShutdownTimeout:   Seconds(90 * time.Second),

		LogLevel: "info",
		LogFile:  DefaultLogFile,
	}
}

// LoadConfig resolves defaults, the CONFIG_FILE YAML overlay and environment
// variables, then validates the result.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := GetEnvOrDefault("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrConfigFile(path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return ErrConfigFile(path, err)
	}
	return nil
}

// applyEnv overrides fields whose environment variable is set. The current
// value is passed as the default so unset variables keep file or built-in values.
func (c *Config) applyEnv() {
	c.Backend = GetEnvOrDefault("PIPELINE_BACKEND", c.Backend)
	c.ModelID = GetEnvOrDefault("MODEL_ID", c.ModelID)
	c.Device = GetEnvOrDefault("DEVICE", c.Device)
	c.SDWebUIURL = GetEnvOrDefault("SDWEBUI_URL", c.SDWebUIURL)
	c.SDWebUITimeout = Seconds(ParseSecondsEnv("SDWEBUI_TIMEOUT_SECONDS", c.SDWebUITimeout.Duration()))
	c.SDWebUIAuth = GetEnvOrDefault("SDWEBUI_AUTH", c.SDWebUIAuth)
	c.GeminiAPIKey = GetEnvOrDefault("GEMINI_API_KEY", GetEnvOrDefault("GOOGLE_API_KEY", c.GeminiAPIKey))
	c.GeminiBaseURL = GetEnvOrDefault("GEMINI_BASE_URL", c.GeminiBaseURL)
	c.AdapterSource = GetEnvOrDefault("IP_ADAPTER_SOURCE", c.AdapterSource)
	c.AdapterSubfolder = GetEnvOrDefault("IP_ADAPTER_SUBFOLDER", c.AdapterSubfolder)
	c.AdapterWeight = GetEnvOrDefault("IP_ADAPTER_WEIGHT", c.AdapterWeight)
	c.AdapterScale = ParseFloat64Env("IP_ADAPTER_SCALE", c.AdapterScale)
	c.UseLCM = ParseBoolEnv("USE_LCM", c.UseLCM)
	c.LCMLoRA = GetEnvOrDefault("LCM_LORA", c.LCMLoRA)

	c.HFToken = GetEnvOrDefault("HF_TOKEN", GetEnvOrDefault("HUGGING_FACE_HUB_TOKEN", c.HFToken))
	c.ModelCacheDir = GetEnvOrDefault("MODEL_CACHE_DIR", c.ModelCacheDir)

	c.Readiness = GetEnvOrDefault("READINESS", c.Readiness)
	c.Profile = GetEnvOrDefault("PROFILE", c.Profile)
	c.FetchTimeout = Seconds(ParseSecondsEnv("FETCH_TIMEOUT_SECONDS", c.FetchTimeout.Duration()))
	c.FetchMaxBytes = ParseInt64Env("FETCH_MAX_BYTES", c.FetchMaxBytes)
	// Zero is meaningful here: it disables the fetch cache.
	c.FetchCacheTTL = Seconds(time.Duration(ParseIntEnv("FETCH_CACHE_TTL_SECONDS", int(c.FetchCacheTTL.Duration()/time.Second))) * time.Second)
	c.FetchCacheMaxItems = ParseIntEnv("FETCH_CACHE_MAX_ITEMS", c.FetchCacheMaxItems)

	c.Host = GetEnvOrDefault("HOST", c.Host)
	c.Port = ParseIntEnv("PORT", c.Port)
	c.WorkerConcurrency = ParseIntEnv("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.QueueSize = ParseIntEnv("QUEUE_SIZE", c.QueueSize)
	c.JobTTL = Seconds(ParseSecondsEnv("JOB_TTL_SECONDS", c.JobTTL.Duration()))
	c.JobStore = GetEnvOrDefault("JOB_STORE", c.JobStore)
	c.RedisURL = GetEnvOrDefault("REDIS_URL", c.RedisURL)
	c.RateLimitRPS = ParseFloat64Env("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = ParseIntEnv("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.ShutdownTimeout = Seconds(ParseSecondsEnv("SHUTDOWN_TIMEOUT_SECONDS", c.ShutdownTimeout.Duration()))
	c.AllowInsecureTLS = ParseBoolEnv("ALLOW_INSECURE_TLS", c.AllowInsecureTLS)

	c.DevMode = ParseBoolEnv("DEV_MODE", c.DevMode)
	c.LogLevel = GetEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFile = GetEnvOrDefault("LOG_FILE", c.LogFile)
}

// Validate checks enumerations and ranges. All problems are joined into one
// error; each is a *ConfigError carrying its own fix.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendProcedural:
	case BackendSDWebUI:
		if c.SDWebUIURL == "" {
			errs = append(errs, ErrMissingConfig("SDWEBUI_URL", "required by the sdwebui backend"))
		}
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, ErrMissingConfig("GEMINI_API_KEY", "required by the gemini backend"))
		}
	default:
		errs = append(errs, ErrInvalidChoice("PIPELINE_BACKEND", c.Backend, BackendProcedural, BackendSDWebUI, BackendGemini))
	}

	switch c.JobStore {
	case JobStoreMemory:
	case JobStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingConfig("REDIS_URL", "required by the redis job store"))
		}
	default:
		errs = append(errs, ErrInvalidChoice("JOB_STORE", c.JobStore, JobStoreMemory, JobStoreRedis))
	}

	switch c.Device {
	case DeviceAuto, DeviceCUDA, DeviceCPU:
	default:
		errs = append(errs, ErrInvalidChoice("DEVICE", c.Device, DeviceAuto, DeviceCUDA, DeviceCPU))
	}

	switch c.Readiness {
	case ReadinessEager, ReadinessLazy:
	default:
		errs = append(errs, ErrInvalidChoice("READINESS", c.Readiness, ReadinessEager, ReadinessLazy))
	}

	switch c.Profile {
	case ProfileStandard, ProfileLight:
	default:
		errs = append(errs, ErrInvalidChoice("PROFILE", c.Profile, ProfileStandard, ProfileLight))
	}

	if c.ModelID == "" {
		errs = append(errs, ErrMissingConfig("MODEL_ID", "the base text-to-image model to load"))
	}
	if c.AdapterScale < 0 || c.AdapterScale > 1 {
		errs = append(errs, ErrOutOfRange("IP_ADAPTER_SCALE", c.AdapterScale, "between 0 and 1"))
	}
	if c.FetchMaxBytes <= 0 {
		errs = append(errs, ErrOutOfRange("FETCH_MAX_BYTES", c.FetchMaxBytes, "greater than 0"))
	}
	if c.FetchCacheTTL < 0 {
		errs = append(errs, ErrOutOfRange("FETCH_CACHE_TTL_SECONDS", c.FetchCacheTTL.Duration(), "of 0 (disabled) or more"))
	}
	if c.FetchCacheMaxItems <= 0 {
		errs = append(errs, ErrOutOfRange("FETCH_CACHE_MAX_ITEMS", c.FetchCacheMaxItems, "greater than 0"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrOutOfRange("PORT", c.Port, "between 1 and 65535"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, ErrOutOfRange("WORKER_CONCURRENCY", c.WorkerConcurrency, "of at least 1"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, ErrOutOfRange("QUEUE_SIZE", c.QueueSize, "of at least 1"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, ErrOutOfRange("RATE_LIMIT_RPS", c.RateLimitRPS, "of 0 (disabled) or more"))
	}

	return errors.Join(errs...)
}

// CheckModelCacheDir reports a configured MODEL_CACHE_DIR that does not exist.
// It is advisory: the volume may be attached after startup, so callers log it
// instead of failing.
func (c *Config) CheckModelCacheDir() error {
	if c.ModelCacheDir == "" {
		return nil
	}
	info, err := os.Stat(c.ModelCacheDir)
	if err == nil && info.IsDir() {
		return nil
	}
	return &ConfigError{
		Code:    ErrCodeModelCacheDir,
		Message: fmt.Sprintf("Model cache directory %s is not available", c.ModelCacheDir),
		Action:  "Attach the network volume holding the model weights or unset MODEL_CACHE_DIR",
		Err:     err,
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetHTTPClient returns a client with the given timeout, honoring
// AllowInsecureTLS for self-signed inference servers and image hosts.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if cfg != nil && cfg.AllowInsecureTLS {
		client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}
