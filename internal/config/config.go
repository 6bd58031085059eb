package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"quotaline/internal/domain"
)

// Config models quotaline.yml: the threshold policy for progress and
// anomaly derivation plus the exclusion reason catalog shown to callers.
// Thresholds are deployment policy, never compiled into the calculator or
// the detector.
type Config struct {
	Thresholds struct {
		// LaggingPercent marks incomplete entities under this progress percent.
		LaggingPercent int64 `yaml:"lagging_percent"`
		// AnomalyRatio is the exclusion-rate ceiling, expressed as a ratio.
		AnomalyRatio float64 `yaml:"anomaly_ratio"`
		// OverrunFactor multiplies the pool quota for the over-delivery signal.
		OverrunFactor float64 `yaml:"overrun_factor"`
	} `yaml:"thresholds"`
	Reasons struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"reasons"`
	AuditReasonMaxLen int `yaml:"audit_reason_max_len"`
}

const configFileName = "quotaline.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".quotaline", configFileName)
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Thresholds.LaggingPercent == 0 {
		c.Thresholds.LaggingPercent = 70
	}
	if c.Thresholds.AnomalyRatio == 0 {
		c.Thresholds.AnomalyRatio = 0.15
	}
	if c.Thresholds.OverrunFactor == 0 {
		c.Thresholds.OverrunFactor = 1.2
	}
	if c.AuditReasonMaxLen == 0 {
		c.AuditReasonMaxLen = 500
	}
	if c.Reasons.Catalog == nil {
		c.Reasons.Catalog = Default().Reasons.Catalog
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Thresholds.LaggingPercent < 0 || c.Thresholds.LaggingPercent > 100 {
		return fmt.Errorf("config.thresholds.lagging_percent must be within [0,100]")
	}
	if c.Thresholds.AnomalyRatio < 0 || c.Thresholds.AnomalyRatio > 1 {
		return fmt.Errorf("config.thresholds.anomaly_ratio must be within [0,1]")
	}
	if c.Thresholds.OverrunFactor < 1 {
		return fmt.Errorf("config.thresholds.overrun_factor must be >= 1")
	}
	if c.AuditReasonMaxLen <= 0 {
		return fmt.Errorf("config.audit_reason_max_len must be positive")
	}
	for code := range c.Reasons.Catalog {
		if !domain.ValidExclusionReason(code) {
			return fmt.Errorf("config.reasons.catalog contains unknown reason %s", code)
		}
	}
	return nil
}

// Default returns the shipped policy.
func Default() *Config {
	cfg := &Config{}
	cfg.Thresholds.LaggingPercent = 70
	cfg.Thresholds.AnomalyRatio = 0.15
	cfg.Thresholds.OverrunFactor = 1.2
	cfg.AuditReasonMaxLen = 500
	cfg.Reasons.Catalog = map[string]struct {
		Description string `yaml:"description"`
	}{
		domain.ReasonSourceCorrupt: {Description: "source file corrupt or unreadable"},
		domain.ReasonDuplicate:     {Description: "duplicate of previously delivered data"},
		domain.ReasonMissingInfo:   {Description: "required information missing at the source"},
		domain.ReasonIllegible:     {Description: "content illegible"},
		domain.ReasonOther:         {Description: "other disqualifying reason"},
	}
	return cfg
}
