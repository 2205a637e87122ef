package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const defaultConfigPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN                string `yaml:"dsn"`
		MaxOpenConns       int    `yaml:"max_open_conns"`
		MaxIdleConns       int    `yaml:"max_idle_conns"`
		ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`

	LLM       LLMConfig        `yaml:"llm"`
	Providers []ProviderConfig `yaml:"providers"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Profiles  Profiles         `yaml:"profiles"`
}

// LLMConfig points at the default text model used for plan synthesis and smart titles.
type LLMConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	DefaultProvider string `yaml:"default_provider"`
	TitleProvider   string `yaml:"title_provider"`
}

type ProviderConfig struct {
	ID                string  `yaml:"id"`
	Type              string  `yaml:"type"` // openai | worker | pollinations
	Kind              string  `yaml:"kind"`
	Endpoint          string  `yaml:"endpoint"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	CostPerCall       float64 `yaml:"cost_per_call"`
	CostPerSecond     float64 `yaml:"cost_per_second"`
	AcceptsImageURLs  bool    `yaml:"accepts_image_urls"`
}

type PipelineConfig struct {
	MaxRetryAttempts      int `yaml:"max_retry_attempts"`
	RetryFloorSeconds     int `yaml:"retry_floor_seconds"`
	RetryCapSeconds       int `yaml:"retry_cap_seconds"`
	RateLimitFloorSeconds int `yaml:"rate_limit_floor_seconds"`
	GlobalInflight        int `yaml:"global_inflight"`
	TokenBudget           int `yaml:"token_budget"`
	ImageTimeoutSeconds   int `yaml:"image_timeout_seconds"`
	VideoTimeoutSeconds   int `yaml:"video_timeout_seconds"`
	LLMTimeoutSeconds     int `yaml:"llm_timeout_seconds"`
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	ProcessorConcurrency  int `yaml:"processor_concurrency"`
	RecoverAfterMinutes   int `yaml:"recover_after_minutes"`
}

// Profiles holds the persisted generation profile for both run modes.
type Profiles struct {
	Test Profile `yaml:"test"`
	Prod Profile `yaml:"prod"`
}

type Profile struct {
	FrameMode    string            `yaml:"frame_mode"`
	Resolution   string            `yaml:"resolution"`
	Models       ProfileModels     `yaml:"models"`
	AspectRatios map[string]string `yaml:"aspect_ratios"`
	Dimensions   map[string]string `yaml:"dimensions"`
}

type ProfileModels struct {
	CharacterPrimary string `yaml:"character_primary"`
	CharacterVariant string `yaml:"character_variant"`
	LocationPrimary  string `yaml:"location_primary"`
	LocationVariant  string `yaml:"location_variant"`
	PlanFrame        string `yaml:"plan_frame"`
	PlanFrameNoRef   string `yaml:"plan_frame_no_ref"`
	VideoFirst       string `yaml:"video_first"`
	VideoFirstLast   string `yaml:"video_first_last"`
}

var AppConfig *Config

// For returns the profile for the requested mode.
func (p Profiles) For(testMode bool) Profile {
	if testMode {
		return p.Test
	}
	return p.Prod
}

func (p PipelineConfig) RetryFloor() time.Duration {
	return time.Duration(p.RetryFloorSeconds) * time.Second
}

func (p PipelineConfig) RetryCap() time.Duration {
	return time.Duration(p.RetryCapSeconds) * time.Second
}

func (p PipelineConfig) RateLimitFloor() time.Duration {
	return time.Duration(p.RateLimitFloorSeconds) * time.Second
}

func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// Default returns a config carrying every pipeline constant, so callers
// that never read a file still get sane limits.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = ":8080"
	cfg.MySQL.MaxOpenConns = 25
	cfg.MySQL.MaxIdleConns = 5
	cfg.MySQL.ConnMaxLifetimeMin = 60
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.MinIO.Bucket = "storyflow"
	cfg.LLM.DefaultProvider = "openai-plan"
	cfg.LLM.TitleProvider = "openai-title"
	cfg.Pipeline = PipelineConfig{
		MaxRetryAttempts:      2,
		RetryFloorSeconds:     2,
		RetryCapSeconds:       60,
		RateLimitFloorSeconds: 10,
		GlobalInflight:        8,
		TokenBudget:           2_000_000,
		ImageTimeoutSeconds:   90,
		VideoTimeoutSeconds:   300,
		LLMTimeoutSeconds:     120,
		PollIntervalSeconds:   3,
		ProcessorConcurrency:  5,
		RecoverAfterMinutes:   10,
	}
	cfg.Profiles.Test = Profile{
		FrameMode:  "first-only",
		Resolution: "512p",
		Dimensions: map[string]string{
			"character": "512x512",
			"location":  "768x432",
			"plan":      "768x432",
			"video":     "768x432",
		},
	}
	cfg.Profiles.Prod = Profile{
		FrameMode:  "first-last",
		Resolution: "1080p",
		AspectRatios: map[string]string{
			"character": "1:1",
			"location":  "16:9",
			"plan":      "16:9",
			"video":     "16:9",
		},
	}
	return cfg
}

func InitConfig() {
	_ = godotenv.Load()

	path := os.Getenv("STORYFLOW_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	AppConfig = cfg
}

// Load decodes the YAML file at path on top of Default(). ${VAR} references
// are expanded from the environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default().Pipeline
	p := &c.Pipeline
	if p.MaxRetryAttempts < 0 {
		p.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if p.RetryFloorSeconds <= 0 {
		p.RetryFloorSeconds = def.RetryFloorSeconds
	}
	if p.RetryCapSeconds < p.RetryFloorSeconds {
		p.RetryCapSeconds = def.RetryCapSeconds
	}
	if p.RateLimitFloorSeconds <= 0 {
		p.RateLimitFloorSeconds = def.RateLimitFloorSeconds
	}
	if p.TokenBudget <= 0 {
		p.TokenBudget = def.TokenBudget
	}
	if p.PollIntervalSeconds <= 0 {
		p.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if p.ProcessorConcurrency <= 0 {
		p.ProcessorConcurrency = def.ProcessorConcurrency
	}
	for i := range c.Providers {
		pc := &c.Providers[i]
		if pc.MaxConcurrency < 1 {
			pc.MaxConcurrency = 1
		}
		if pc.APIKey == "" && pc.Type == "openai" {
			pc.APIKey = c.LLM.APIKey
		}
		if pc.Endpoint == "" && pc.Type == "openai" {
			pc.Endpoint = c.LLM.BaseURL
		}
	}
}
