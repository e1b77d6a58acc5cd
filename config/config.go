// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the detection service. YAML sections map
// one-to-one onto the nested structs; missing sections keep their defaults.
type Config struct {
	Server        ServerConfig    `yaml:"server" json:"server"`
	Logging       LoggingConfig   `yaml:"logging" json:"logging"`
	LogStore      LogStoreConfig  `yaml:"log_store" json:"log_store"`
	Anomaly       AnomalyConfig   `yaml:"anomaly" json:"anomaly"`
	AutoReporting ReportingConfig `yaml:"auto_reporting" json:"auto_reporting"`
	Email         EmailConfig     `yaml:"email" json:"email"`
	LLM           LLMConfig       `yaml:"llm" json:"llm"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds" json:"read_timeout_seconds" validate:"min=1"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds" json:"write_timeout_seconds" validate:"min=1"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" validate:"min=1"`
	AllowCORS              bool   `yaml:"allow_cors" json:"allow_cors"`
	// JWTSecret enables bearer authentication on mutating endpoints when
	// non-empty. Usually injected via SENTINEL_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"-"`
}

// LoggingConfig controls application logging
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// LogStoreConfig controls the persisted reading/anomaly logs
type LogStoreConfig struct {
	Directory string `yaml:"directory" json:"directory"`
}

// AnomalyConfig holds the detector tunables
type AnomalyConfig struct {
	WindowSize      int                       `yaml:"window_size" json:"window_size" validate:"min=1"`
	ZScoreThreshold float64                   `yaml:"z_score_threshold" json:"z_score_threshold" validate:"gt=0,lte=10"`
	MinDataPoints   int                       `yaml:"min_data_points" json:"min_data_points" validate:"min=2,max=100"`
	MinTrainingSize int                       `yaml:"min_training_size" json:"min_training_size" validate:"min=2"`
	Sensors         map[string]SensorOverride `yaml:"sensors,omitempty" json:"sensors,omitempty"`
}

// SensorOverride is a per-sensor partial override of the detector tunables.
// A zero ZScoreThreshold means no override. MinValue/MaxValue are physical
// sanity bounds; readings outside them are rejected before detection.
type SensorOverride struct {
	ZScoreThreshold float64  `yaml:"z_score_threshold,omitempty" json:"z_score_threshold,omitempty"`
	MinValue        *float64 `yaml:"min_value,omitempty" json:"min_value,omitempty"`
	MaxValue        *float64 `yaml:"max_value,omitempty" json:"max_value,omitempty"`
}

// ReportingConfig holds the auto-reporter tunables
type ReportingConfig struct {
	Enabled                 bool `yaml:"enabled" json:"enabled"`
	AnomalyWindowMinutes    int  `yaml:"anomaly_window_minutes" json:"anomaly_window_minutes" validate:"min=1"`
	MultiSensorThreshold    int  `yaml:"multi_sensor_threshold" json:"multi_sensor_threshold" validate:"min=2"`
	NormalCooldownMinutes   int  `yaml:"normal_cooldown_minutes" json:"normal_cooldown_minutes" validate:"gte=0"`
	WarningCooldownMinutes  int  `yaml:"warning_cooldown_minutes" json:"warning_cooldown_minutes" validate:"gte=0"`
	CriticalCooldownMinutes int  `yaml:"critical_cooldown_minutes" json:"critical_cooldown_minutes" validate:"gte=0"`
	WorkingHoursOnly        bool `yaml:"working_hours_only" json:"working_hours_only"`
	WorkingHoursStart       int  `yaml:"working_hours_start" json:"working_hours_start" validate:"min=0,max=23"`
	WorkingHoursEnd         int  `yaml:"working_hours_end" json:"working_hours_end" validate:"min=1,max=24"`

	LeakyBucket        LeakyBucketConfig     `yaml:"leaky_bucket" json:"leaky_bucket"`
	AdaptiveThresholds AdaptiveConfig        `yaml:"adaptive_thresholds" json:"adaptive_thresholds"`
	StateTransitions   StateTransitionConfig `yaml:"state_transitions" json:"state_transitions"`
}

// LeakyBucketConfig holds the risk accumulator weights and decay
type LeakyBucketConfig struct {
	CriticalPoints       float64 `yaml:"critical_points" json:"critical_points" validate:"gte=0"`
	HighPoints           float64 `yaml:"high_points" json:"high_points" validate:"gte=0"`
	MediumPoints         float64 `yaml:"medium_points" json:"medium_points" validate:"gte=0"`
	LowPoints            float64 `yaml:"low_points" json:"low_points" validate:"gte=0"`
	DecayRatePerMinute   float64 `yaml:"decay_rate_per_minute" json:"decay_rate_per_minute" validate:"gte=0"`
	DecayIntervalSeconds int     `yaml:"decay_interval_seconds" json:"decay_interval_seconds" validate:"min=1"`
	MaxBucketCapacity    float64 `yaml:"max_bucket_capacity" json:"max_bucket_capacity" validate:"gt=0"`
}

// AdaptiveConfig holds the adaptive threshold tunables
type AdaptiveConfig struct {
	BaseWarningThreshold    float64 `yaml:"base_warning_threshold" json:"base_warning_threshold" validate:"gt=0"`
	BaseCriticalThreshold   float64 `yaml:"base_critical_threshold" json:"base_critical_threshold" validate:"gt=0"`
	AdaptationWindowMinutes int     `yaml:"adaptation_window_minutes" json:"adaptation_window_minutes" validate:"min=1"`
	MinSamplesForAdaptation int     `yaml:"min_samples_for_adaptation" json:"min_samples_for_adaptation" validate:"min=1"`
	MinMultiplier           float64 `yaml:"min_multiplier" json:"min_multiplier" validate:"gt=0"`
	MaxMultiplier           float64 `yaml:"max_multiplier" json:"max_multiplier" validate:"gtefield=MinMultiplier"`
	AdaptationGain          float64 `yaml:"adaptation_gain" json:"adaptation_gain" validate:"gte=0"`
	HysteresisMargin        float64 `yaml:"hysteresis_margin" json:"hysteresis_margin" validate:"gte=0,lt=1"`
}

// StateTransitionConfig holds the state machine tunables
type StateTransitionConfig struct {
	StateConfirmationSeconds int  `yaml:"state_confirmation_seconds" json:"state_confirmation_seconds" validate:"gte=0"`
	ReportOnWarningEntry     bool `yaml:"report_on_warning_entry" json:"report_on_warning_entry"`
	ReportOnCriticalEntry    bool `yaml:"report_on_critical_entry" json:"report_on_critical_entry"`
	ReportOnCriticalExit     bool `yaml:"report_on_critical_exit" json:"report_on_critical_exit"`
	ReportOnNormalReturn     bool `yaml:"report_on_normal_return" json:"report_on_normal_return"`
}

// EmailConfig controls the SMTP report mailer
type EmailConfig struct {
	Enabled        bool        `yaml:"enabled" json:"enabled"`
	SMTPServer     string      `yaml:"smtp_server" json:"smtp_server"`
	SMTPPort       int         `yaml:"smtp_port" json:"smtp_port"`
	SenderEmail    string      `yaml:"sender_email" json:"sender_email"`
	SenderPassword string      `yaml:"sender_password,omitempty" json:"-"`
	UseTLS         bool        `yaml:"use_tls" json:"use_tls"`
	SubjectPrefix  string      `yaml:"subject_prefix" json:"subject_prefix"`
	Recipients     []Recipient `yaml:"recipients" json:"recipients"`
}

// Recipient is one mail recipient with per-risk notification switches
type Recipient struct {
	Email          string `yaml:"email" json:"email"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	NotifyCritical bool   `yaml:"notify_critical" json:"notify_critical"`
	NotifyHigh     bool   `yaml:"notify_high" json:"notify_high"`
	NotifyMedium   bool   `yaml:"notify_medium" json:"notify_medium"`
	NotifyLow      bool   `yaml:"notify_low" json:"notify_low"`
}

// LLMConfig controls the optional narrative generator
type LLMConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	Provider       string  `yaml:"provider" json:"provider"`
	Model          string  `yaml:"model" json:"model"`
	APIKey         string  `yaml:"api_key,omitempty" json:"-"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    30,
			ShutdownTimeoutSeconds: 10,
			AllowCORS:              true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		LogStore: LogStoreConfig{
			Directory: "logs",
		},
		Anomaly: AnomalyConfig{
			WindowSize:      1000,
			ZScoreThreshold: 2.0,
			MinDataPoints:   10,
			MinTrainingSize: 50,
		},
		AutoReporting: ReportingConfig{
			Enabled:                 true,
			AnomalyWindowMinutes:    5,
			MultiSensorThreshold:    2,
			NormalCooldownMinutes:   15,
			WarningCooldownMinutes:  15,
			CriticalCooldownMinutes: 5,
			WorkingHoursOnly:        false,
			WorkingHoursStart:       8,
			WorkingHoursEnd:         18,
			LeakyBucket: LeakyBucketConfig{
				CriticalPoints:       10,
				HighPoints:           5,
				MediumPoints:         2,
				LowPoints:            1,
				DecayRatePerMinute:   1.0,
				DecayIntervalSeconds: 60,
				MaxBucketCapacity:    100,
			},
			AdaptiveThresholds: AdaptiveConfig{
				BaseWarningThreshold:    15,
				BaseCriticalThreshold:   30,
				AdaptationWindowMinutes: 60,
				MinSamplesForAdaptation: 10,
				MinMultiplier:           0.5,
				MaxMultiplier:           2.0,
				AdaptationGain:          0.3,
				HysteresisMargin:        0.2,
			},
			StateTransitions: StateTransitionConfig{
				StateConfirmationSeconds: 30,
				ReportOnWarningEntry:     true,
				ReportOnCriticalEntry:    true,
				ReportOnCriticalExit:     true,
				ReportOnNormalReturn:     false,
			},
		},
		Email: EmailConfig{
			Enabled:       false,
			SMTPPort:      587,
			UseTLS:        true,
			SubjectPrefix: "[Anomaly Sentinel]",
		},
		LLM: LLMConfig{
			Enabled:        false,
			Provider:       "googleai",
			Model:          "gemini-1.5-flash",
			TimeoutSeconds: 30,
			Temperature:    0.3,
			MaxTokens:      1024,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file if it exists,
// then environment overrides. A missing file is fine; a malformed file or a
// failed validation is a startup error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			log.Printf("Configuration loaded from %s", path)
		case os.IsNotExist(err):
			log.Printf("No configuration file at %s, using defaults", path)
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies environment overrides on top of file values
func loadEnv(cfg *Config) {
	if val := os.Getenv("ANOMALY_WINDOW_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.Anomaly.WindowSize = i
			log.Printf("ANOMALY_WINDOW_SIZE set to: %d", i)
		} else {
			log.Printf("Warning: Invalid ANOMALY_WINDOW_SIZE value: %s", val)
		}
	}

	if val := os.Getenv("ANOMALY_Z_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
			cfg.Anomaly.ZScoreThreshold = f
			log.Printf("ANOMALY_Z_THRESHOLD set to: %.2f", f)
		} else {
			log.Printf("Warning: Invalid ANOMALY_Z_THRESHOLD value: %s", val)
		}
	}

	if val := os.Getenv("ANOMALY_MIN_POINTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i >= 2 {
			cfg.Anomaly.MinDataPoints = i
			log.Printf("ANOMALY_MIN_POINTS set to: %d", i)
		} else {
			log.Printf("Warning: Invalid ANOMALY_MIN_POINTS value: %s", val)
		}
	}

	if val := os.Getenv("ANOMALY_MIN_TRAINING"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i >= 2 {
			cfg.Anomaly.MinTrainingSize = i
			log.Printf("ANOMALY_MIN_TRAINING set to: %d", i)
		} else {
			log.Printf("Warning: Invalid ANOMALY_MIN_TRAINING value: %s", val)
		}
	}

	if val := os.Getenv("SERVER_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 && i < 65536 {
			cfg.Server.Port = i
			log.Printf("SERVER_PORT set to: %d", i)
		} else {
			log.Printf("Warning: Invalid SERVER_PORT value: %s", val)
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		switch strings.ToLower(val) {
		case "debug", "info", "warn", "error":
			cfg.Logging.Level = strings.ToLower(val)
		default:
			log.Printf("Warning: Invalid LOG_LEVEL value: %s", val)
		}
	}

	if val := os.Getenv("LOG_DIR"); val != "" {
		cfg.LogStore.Directory = val
		log.Printf("LOG_DIR set to: %s", val)
	}

	if val := os.Getenv("AUTO_REPORT_ENABLED"); val != "" {
		cfg.AutoReporting.Enabled = strings.ToLower(val) == "true"
		log.Printf("AUTO_REPORT_ENABLED set to: %v", cfg.AutoReporting.Enabled)
	}

	// Secrets come from the environment, never from the YAML file
	if val := os.Getenv("SMTP_PASSWORD"); val != "" {
		cfg.Email.SenderPassword = val
	}
	if val := os.Getenv("GEMINI_API_KEY"); val != "" {
		cfg.LLM.APIKey = val
	}
	if val := os.Getenv("SENTINEL_JWT_SECRET"); val != "" {
		cfg.Server.JWTSecret = val
	}
}

var validate = validator.New()

// Validate checks the configuration for consistency and validity
func (c *Config) Validate() error {
	var errors []string

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errors = append(errors, fmt.Sprintf("%s fails %s constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			errors = append(errors, err.Error())
		}
	}

	if c.Anomaly.MinTrainingSize < c.Anomaly.MinDataPoints {
		errors = append(errors, "min_training_size must not be below min_data_points")
	}
	if c.Anomaly.MinDataPoints > c.Anomaly.WindowSize {
		errors = append(errors, "min_data_points must not exceed window_size")
	}
	for sensor, override := range c.Anomaly.Sensors {
		if override.ZScoreThreshold < 0 {
			errors = append(errors, fmt.Sprintf("sensor override %s: z_score_threshold must not be negative", sensor))
		}
		if override.MinValue != nil && override.MaxValue != nil && *override.MinValue >= *override.MaxValue {
			errors = append(errors, fmt.Sprintf("sensor override %s: min_value must be below max_value", sensor))
		}
	}

	adaptive := c.AutoReporting.AdaptiveThresholds
	if adaptive.BaseWarningThreshold >= adaptive.BaseCriticalThreshold {
		errors = append(errors, "base_warning_threshold must be below base_critical_threshold")
	}

	reporting := c.AutoReporting
	if reporting.WorkingHoursOnly && reporting.WorkingHoursStart >= reporting.WorkingHoursEnd {
		errors = append(errors, "working_hours_start must be before working_hours_end")
	}

	if c.Email.Enabled {
		if c.Email.SMTPServer == "" {
			errors = append(errors, "email enabled but smtp_server is empty")
		}
		if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
			errors = append(errors, "email smtp_port must be between 1 and 65535")
		}
		if c.Email.SenderEmail == "" {
			errors = append(errors, "email enabled but sender_email is empty")
		}
		if len(c.Email.Recipients) == 0 {
			errors = append(errors, "email enabled but no recipients configured")
		}
		for _, r := range c.Email.Recipients {
			if r.Email == "" {
				errors = append(errors, "recipient with empty email address")
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently
func (c *Config) Clone() *Config {
	out := *c

	if len(c.Anomaly.Sensors) > 0 {
		out.Anomaly.Sensors = make(map[string]SensorOverride, len(c.Anomaly.Sensors))
		for k, v := range c.Anomaly.Sensors {
			if v.MinValue != nil {
				mn := *v.MinValue
				v.MinValue = &mn
			}
			if v.MaxValue != nil {
				mx := *v.MaxValue
				v.MaxValue = &mx
			}
			out.Anomaly.Sensors[k] = v
		}
	}
	if len(c.Email.Recipients) > 0 {
		out.Email.Recipients = append([]Recipient(nil), c.Email.Recipients...)
	}
	return &out
}

// Save writes the configuration back to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Holder publishes an immutable configuration snapshot. Readers get the
// current pointer without locking; updates swap the whole snapshot.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder creates a holder with an initial snapshot
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Swap validates and publishes a new snapshot
func (h *Holder) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}
