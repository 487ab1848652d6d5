package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/altheroes/labelerbot/internal/labelerbot"
)

// Duration is a time.Duration that reads "30s"/"720h" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ThresholdRule struct {
	Tier       string  `json:"tier"`
	MinPercent float64 `json:"minPercent"`
}

type Config struct {
	ServiceDID          string          `json:"serviceDid"`
	AppPassword         string          `json:"appPassword"`
	PDSHost             string          `json:"pdsHost"`
	ModerationHost      string          `json:"moderationHost"`
	JetstreamURL        string          `json:"jetstreamUrl"`
	DatabaseDSN         string          `json:"databaseDsn"`
	RetentionWindow     Duration        `json:"retentionWindow"`
	ReconnectInterval   Duration        `json:"reconnectInterval"`
	ReconnectMaxRetries int             `json:"reconnectMaxRetries"`
	RateLimitBackoff    Duration        `json:"rateLimitBackoff"`
	NotifyDedupeWindow  Duration        `json:"notifyDedupeWindow"`
	HandlerTimeout      Duration        `json:"handlerTimeout"`
	AdminListenAddr     string          `json:"adminListenAddr"`
	AdminToken          string          `json:"adminToken"`
	Thresholds          []ThresholdRule `json:"thresholds"`
}

const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["serviceDid", "appPassword", "databaseDsn"],
	"additionalProperties": false,
	"properties": {
		"serviceDid": {"type": "string", "minLength": 1},
		"appPassword": {"type": "string", "minLength": 1},
		"pdsHost": {"type": "string"},
		"moderationHost": {"type": "string"},
		"jetstreamUrl": {"type": "string"},
		"databaseDsn": {"type": "string", "minLength": 1},
		"retentionWindow": {"type": "string"},
		"reconnectInterval": {"type": "string"},
		"reconnectMaxRetries": {"type": "integer", "minimum": 1},
		"rateLimitBackoff": {"type": "string"},
		"notifyDedupeWindow": {"type": "string"},
		"handlerTimeout": {"type": "string"},
		"adminListenAddr": {"type": "string"},
		"adminToken": {"type": "string"},
		"thresholds": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tier", "minPercent"],
				"additionalProperties": false,
				"properties": {
					"tier": {"enum": ["none", "bronze", "silver", "gold", "hero"]},
					"minPercent": {"type": "number", "minimum": 0}
				}
			}
		}
	}
}`

// Load reads, schema-validates and defaults a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := validate(data); err != nil {
		return Config{}, fmt.Errorf("config %s invalid: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func validate(data []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("labelerbot-config.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("labelerbot-config.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.PDSHost) == "" {
		cfg.PDSHost = "https://bsky.social"
	}
	if strings.TrimSpace(cfg.ModerationHost) == "" {
		cfg.ModerationHost = cfg.PDSHost
	}
	if strings.TrimSpace(cfg.JetstreamURL) == "" {
		cfg.JetstreamURL = "wss://jetstream1.us-east.bsky.network"
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = Duration(30 * 24 * time.Hour)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = Duration(5 * time.Second)
	}
	if cfg.ReconnectMaxRetries <= 0 {
		cfg.ReconnectMaxRetries = 10
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = Duration(30 * time.Second)
	}
	if cfg.NotifyDedupeWindow <= 0 {
		cfg.NotifyDedupeWindow = Duration(5 * time.Minute)
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = Duration(2 * time.Minute)
	}
	if strings.TrimSpace(cfg.AdminListenAddr) == "" {
		cfg.AdminListenAddr = "127.0.0.1:8149"
	}
}

// ThresholdPolicy converts the configured rules, falling back to the
// default ladder when none are configured.
func (c Config) ThresholdPolicy() (labelerbot.ThresholdPolicy, error) {
	if len(c.Thresholds) == 0 {
		return labelerbot.DefaultThresholds(), nil
	}
	policy := make(labelerbot.ThresholdPolicy, 0, len(c.Thresholds))
	for _, rule := range c.Thresholds {
		tier, ok := labelerbot.ParseTier(rule.Tier)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", rule.Tier)
		}
		policy = append(policy, labelerbot.Threshold{Tier: tier, MinPercent: rule.MinPercent})
	}
	return policy.Normalized(), nil
}
