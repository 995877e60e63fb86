package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"federate/pkg/logicaltime"
	"federate/pkg/utils"
)

// FederateConfig configures one federate process.
type FederateConfig struct {
	Federation   string `json:"federation"`
	FederateName string `json:"federate_name"`
	FederateType string `json:"federate_type"`

	// RTIAddress is the broker's gRPC address.
	RTIAddress string     `json:"rti_address"`
	Dial       DialConfig `json:"dial"`

	// TimeImplementation is requested at join; the broker's answer wins.
	TimeImplementation string `json:"time_implementation"`

	SchemaPath      string     `json:"schema_path"`
	ArchivePath     string     `json:"archive_path"`
	MaxSnapshotSize utils.Size `json:"max_snapshot_size"`

	CallbackBudget Duration `json:"callback_budget"`
	PumpInterval   Duration `json:"pump_interval"`
	QueueDepth     int      `json:"queue_depth"`

	// MetricsAddress enables the Prometheus endpoint when set.
	MetricsAddress string `json:"metrics_address"`
}

type DialConfig struct {
	Timeout       Duration `json:"timeout"`
	Retries       int      `json:"retries"`
	RetryInterval Duration `json:"retry_interval"`
}

// Duration decodes from a Go duration string ("50ms") or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults returns a config with every optional field filled in.
func Defaults() *FederateConfig {
	return &FederateConfig{
		Federation:   "default",
		FederateName: "federate",
		FederateType: "federate",
		RTIAddress:   "localhost:8600",
		Dial: DialConfig{
			Timeout:       Duration(10 * time.Second),
			Retries:       5,
			RetryInterval: Duration(200 * time.Millisecond),
		},
		TimeImplementation: logicaltime.Float64Name,
		ArchivePath:        "./data/snapshots.db",
		MaxSnapshotSize:    utils.Size(16 * utils.MegaByte),
		CallbackBudget:     Duration(50 * time.Millisecond),
		PumpInterval:       Duration(10 * time.Millisecond),
		QueueDepth:         1024,
	}
}

// LoadConfig reads a JSON config file over the defaults and validates it.
func LoadConfig(path string) (*FederateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from FEDERATE_* variables over the defaults.
func LoadFromEnv() (*FederateConfig, error) {
	cfg := Defaults()
	cfg.Federation = getEnv("FEDERATE_FEDERATION", cfg.Federation)
	cfg.FederateName = getEnv("FEDERATE_NAME", cfg.FederateName)
	cfg.FederateType = getEnv("FEDERATE_TYPE", cfg.FederateType)
	cfg.RTIAddress = getEnv("FEDERATE_RTI_ADDRESS", cfg.RTIAddress)
	cfg.TimeImplementation = getEnv("FEDERATE_TIME_IMPLEMENTATION", cfg.TimeImplementation)
	cfg.SchemaPath = getEnv("FEDERATE_SCHEMA", cfg.SchemaPath)
	cfg.ArchivePath = getEnv("FEDERATE_ARCHIVE", cfg.ArchivePath)
	cfg.MetricsAddress = getEnv("FEDERATE_METRICS_ADDRESS", cfg.MetricsAddress)

	if v := os.Getenv("FEDERATE_MAX_SNAPSHOT_SIZE"); v != "" {
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return nil, fmt.Errorf("FEDERATE_MAX_SNAPSHOT_SIZE: %w", err)
		}
		cfg.MaxSnapshotSize = utils.Size(n)
	}
	for key, dst := range map[string]*Duration{
		"FEDERATE_CALLBACK_BUDGET":     &cfg.CallbackBudget,
		"FEDERATE_PUMP_INTERVAL":       &cfg.PumpInterval,
		"FEDERATE_DIAL_TIMEOUT":        &cfg.Dial.Timeout,
		"FEDERATE_DIAL_RETRY_INTERVAL": &cfg.Dial.RetryInterval,
	} {
		if err := durationEnv(key, dst); err != nil {
			return nil, err
		}
	}
	for key, dst := range map[string]*int{
		"FEDERATE_QUEUE_DEPTH":  &cfg.QueueDepth,
		"FEDERATE_DIAL_RETRIES": &cfg.Dial.Retries,
	} {
		if err := intEnv(key, dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *FederateConfig) Validate() error {
	if c.Federation == "" {
		return fmt.Errorf("federation is required")
	}
	if c.FederateName == "" {
		return fmt.Errorf("federate_name is required")
	}
	if c.RTIAddress == "" {
		return fmt.Errorf("rti_address is required")
	}
	if _, err := logicaltime.FactoryFor(c.TimeImplementation); err != nil {
		return fmt.Errorf("time_implementation: %w", err)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.CallbackBudget <= 0 {
		return fmt.Errorf("callback_budget must be positive")
	}
	if c.PumpInterval <= 0 {
		return fmt.Errorf("pump_interval must be positive")
	}
	if c.MaxSnapshotSize < 0 {
		return fmt.Errorf("max_snapshot_size must not be negative")
	}
	if c.Dial.Retries < 0 {
		return fmt.Errorf("dial.retries must not be negative")
	}
	if c.Dial.Timeout <= 0 {
		return fmt.Errorf("dial.timeout must be positive")
	}
	if c.Dial.RetryInterval < 0 {
		return fmt.Errorf("dial.retry_interval must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
