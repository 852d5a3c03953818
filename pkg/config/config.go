// Package config turns viper state into a validated Config.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"time"
	_ "time/tzdata"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/matcher"
	"github.com/fcanalytics/menurecon/pkg/menusource"
	"github.com/fcanalytics/menurecon/pkg/normalize"
	"github.com/fcanalytics/menurecon/pkg/policy"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Override backends.
const (
	BackendSQL  = "sql"
	BackendBolt = "bolt"
)

// Config holds all configuration for a reconciliation run.
type Config struct {
	DB DBConfig `mapstructure:"db"`

	ScoreWeights        ScoreWeights       `mapstructure:"score_weights"`
	HighThreshold       float64            `mapstructure:"high_threshold"`
	LowThreshold        float64            `mapstructure:"low_threshold"`
	MarginThreshold     float64            `mapstructure:"margin_threshold"`
	CategoryHintMode    string             `mapstructure:"category_hint_mode"`
	CategoryHintPenalty float64            `mapstructure:"category_hint_penalty"`
	CategoryHints       map[string]string  `mapstructure:"category_hints"`
	NameHints           []index.NameHint   `mapstructure:"name_hints"`
	DenyRules           []matcher.DenyRule `mapstructure:"deny_rules"`
	TopK                int                `mapstructure:"top_k"`

	Tolerance ToleranceConfig `mapstructure:"tolerance_for_price_consistency"`
	Timezone  string          `mapstructure:"timezone"`

	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`

	Canonical CanonicalConfig `mapstructure:"canonical"`
	Overrides OverridesConfig `mapstructure:"overrides"`
}

// DBConfig points at the relational store: a SQLite path or a postgres:// URL.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ScoreWeights struct {
	TokenOverlap float64 `mapstructure:"token_overlap"`
	EditDistance float64 `mapstructure:"edit_distance"`
}

type ToleranceConfig struct {
	Absolute float64 `mapstructure:"absolute"`
	Relative float64 `mapstructure:"relative"`
}

// CanonicalConfig selects where the canonical menu is read from.
type CanonicalConfig struct {
	Source   string `mapstructure:"source"` // db, file or url
	Location string `mapstructure:"location"`
	Encoding string `mapstructure:"encoding"`
	EANTable string `mapstructure:"ean_table"`
}

// OverridesConfig selects the override backend.
type OverridesConfig struct {
	Backend  string `mapstructure:"backend"` // sql or bolt
	BoltPath string `mapstructure:"bolt_path"`
	LockPath string `mapstructure:"lock_path"`
}

// SetDefaults registers the documented defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.dsn", "")
	v.SetDefault("score_weights.token_overlap", 0.6)
	v.SetDefault("score_weights.edit_distance", 0.4)
	v.SetDefault("high_threshold", 0.90)
	v.SetDefault("low_threshold", 0.60)
	v.SetDefault("margin_threshold", 0.10)
	v.SetDefault("category_hint_mode", string(matcher.HintPenalty))
	v.SetDefault("category_hint_penalty", 0.25)
	v.SetDefault("category_hints", map[string]string{})
	v.SetDefault("name_hints", []map[string]interface{}{})
	v.SetDefault("deny_rules", denyDefaults())
	v.SetDefault("top_k", 5)
	v.SetDefault("tolerance_for_price_consistency.absolute", 0.01)
	v.SetDefault("tolerance_for_price_consistency.relative", 0.005)
	v.SetDefault("timezone", "Europe/Warsaw")
	v.SetDefault("batch_size", 500)
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("canonical.source", string(menusource.KindDB))
	v.SetDefault("canonical.location", "")
	v.SetDefault("canonical.encoding", "")
	v.SetDefault("canonical.ean_table", "")
	v.SetDefault("overrides.backend", BackendSQL)
	v.SetDefault("overrides.bolt_path", "menurecon-overrides.db")
	v.SetDefault("overrides.lock_path", "")
}

func denyDefaults() []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range matcher.DefaultDenyRules() {
		out = append(out, map[string]interface{}{
			"name":    r.Name,
			"field":   string(r.Field),
			"pattern": r.Pattern,
			"fc_type": r.FCType,
		})
	}
	return out
}

// Load decodes and validates v. An empty db.dsn falls back to DATABASE_URL.
func Load(v *viper.Viper) (*Config, error) {
	_ = v.BindEnv("database_url", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = v.GetString("database_url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks every setting a run depends on.
func (c *Config) Validate() error {
	if err := c.PolicyConfig().Validate(); err != nil {
		return err
	}
	if err := c.MatcherOptions().Validate(); err != nil {
		return err
	}
	for i, h := range c.NameHints {
		if h.FCType == "" {
			return fmt.Errorf("name_hints[%d] needs an fc_type", i)
		}
		if _, err := regexp.Compile(h.Pattern); err != nil {
			return fmt.Errorf("name_hints[%d]: %w", i, err)
		}
	}
	if c.ScoreWeights.TokenOverlap+c.ScoreWeights.EditDistance <= 0 {
		return errors.New("score weights must not both be zero")
	}
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", c.TopK)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Tolerance.Absolute < 0 || c.Tolerance.Relative < 0 {
		return errors.New("tolerance_for_price_consistency values must be non-negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	switch menusource.Kind(c.Canonical.Source) {
	case menusource.KindDB:
	case menusource.KindFile, menusource.KindURL:
		if c.Canonical.Location == "" {
			return fmt.Errorf("canonical.location is required for canonical.source %s", c.Canonical.Source)
		}
	default:
		return fmt.Errorf("canonical.source must be db, file or url, got %q", c.Canonical.Source)
	}

	switch c.Overrides.Backend {
	case BackendSQL:
	case BackendBolt:
		if c.Overrides.BoltPath == "" {
			return errors.New("overrides.bolt_path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("overrides.backend must be sql or bolt, got %q", c.Overrides.Backend)
	}
	return nil
}

func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		HighThreshold:   c.HighThreshold,
		LowThreshold:    c.LowThreshold,
		MarginThreshold: c.MarginThreshold,
	}
}

func (c *Config) MatcherOptions() matcher.Options {
	return matcher.Options{
		TokenWeight: c.ScoreWeights.TokenOverlap,
		EditWeight:  c.ScoreWeights.EditDistance,
		HintMode:    matcher.HintMode(c.CategoryHintMode),
		HintPenalty: c.CategoryHintPenalty,
		TopK:        c.TopK,
		Deny:        c.DenyRules,
	}
}

// IndexOptions carries the hint layers into index.Build.
func (c *Config) IndexOptions() index.Options {
	return index.Options{CategoryHints: c.CategoryHints, NameHints: c.NameHints}
}

// NormalizeOptions resolves the timezone; Validate has already checked it.
func (c *Config) NormalizeOptions() (normalize.Options, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return normalize.Options{}, err
	}
	return normalize.Options{
		Tolerance: &normalize.Tolerance{
			Absolute: decimal.NewFromFloat(c.Tolerance.Absolute),
			Relative: decimal.NewFromFloat(c.Tolerance.Relative),
		},
		Location: loc,
	}, nil
}

func (c *Config) MenuSource() menusource.Config {
	return menusource.Config{
		Kind:     menusource.Kind(c.Canonical.Source),
		Location: c.Canonical.Location,
		Encoding: c.Canonical.Encoding,
		EANTable: c.Canonical.EANTable,
	}
}
