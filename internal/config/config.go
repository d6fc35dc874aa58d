package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the daemon-level settings. Network hyperparameters live in
// neural.Config; this covers everything wired around the engine.
type Config struct {
	ListenAddr string
	DataDir    string
	LogLevel   string
	LogOutput  string

	ElectrodeCount int
	HiddenSizes    []int
	LearningRate   float64
	MaxEpochs      int
	Difficulty     int

	BiologicalWeight    float64
	MinBiologicalWeight float64
	MaxBiologicalWeight float64

	MiningInterval      time.Duration
	IntegrationInterval time.Duration
	MetricsInterval     time.Duration
	AcquisitionInterval time.Duration

	DeviceURL string // empty selects the loop-back adapter
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		ListenAddr:          ":8590",
		DataDir:             "data",
		LogLevel:            "info",
		LogOutput:           "stdout",
		ElectrodeCount:      60,
		HiddenSizes:         []int{40, 20},
		LearningRate:        0.01,
		MaxEpochs:           10000,
		Difficulty:          4,
		BiologicalWeight:    0.3,
		MinBiologicalWeight: 0.05,
		MaxBiologicalWeight: 0.95,
		MiningInterval:      5 * time.Second,
		IntegrationInterval: 10 * time.Second,
		MetricsInterval:     30 * time.Second,
		AcquisitionInterval: 100 * time.Millisecond,
	}
}

// Load reads .env (if present) and environment variables on top of the
// defaults. Environment always wins over the file.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	} else {
		// Best effort: a missing .env in the working directory is fine.
		_ = godotenv.Load()
	}

	cfg := Defaults()

	setString(&cfg.ListenAddr, "NEUROMINE_LISTEN_ADDR")
	setString(&cfg.DataDir, "NEUROMINE_DATA_DIR")
	setString(&cfg.LogLevel, "NEUROMINE_LOG_LEVEL")
	setString(&cfg.LogOutput, "NEUROMINE_LOG_OUTPUT")
	setString(&cfg.DeviceURL, "NEUROMINE_DEVICE_URL")

	if err := setInt(&cfg.ElectrodeCount, "NEUROMINE_ELECTRODES"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.MaxEpochs, "NEUROMINE_MAX_EPOCHS"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.Difficulty, "NEUROMINE_DIFFICULTY"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.LearningRate, "NEUROMINE_LEARNING_RATE"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.BiologicalWeight, "NEUROMINE_BIO_WEIGHT"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.MinBiologicalWeight, "NEUROMINE_BIO_WEIGHT_MIN"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.MaxBiologicalWeight, "NEUROMINE_BIO_WEIGHT_MAX"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.MiningInterval, "NEUROMINE_MINING_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.IntegrationInterval, "NEUROMINE_INTEGRATION_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.MetricsInterval, "NEUROMINE_METRICS_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.AcquisitionInterval, "NEUROMINE_ACQUISITION_INTERVAL"); err != nil {
		return nil, err
	}
	if err := setIntSlice(&cfg.HiddenSizes, "NEUROMINE_HIDDEN_SIZES"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ElectrodeCount <= 0 {
		return fmt.Errorf("electrode count must be positive, got %d", c.ElectrodeCount)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("max epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.Difficulty < 0 || c.Difficulty > 64 {
		return fmt.Errorf("difficulty must be in [0,64], got %d", c.Difficulty)
	}
	if c.MinBiologicalWeight < 0 || c.MaxBiologicalWeight > 1 ||
		c.MinBiologicalWeight > c.MaxBiologicalWeight {
		return fmt.Errorf("biological weight bounds [%g,%g] are invalid",
			c.MinBiologicalWeight, c.MaxBiologicalWeight)
	}
	if c.BiologicalWeight < c.MinBiologicalWeight || c.BiologicalWeight > c.MaxBiologicalWeight {
		return fmt.Errorf("biological weight %g outside bounds [%g,%g]",
			c.BiologicalWeight, c.MinBiologicalWeight, c.MaxBiologicalWeight)
	}
	for _, size := range c.HiddenSizes {
		if size < 10 {
			return fmt.Errorf("hidden layer size %d below minimum 10", size)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func setIntSlice(dst *[]int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		sizes = append(sizes, n)
	}
	*dst = sizes
	return nil
}
