package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath          string        `yaml:"socket_path"`
	DBPath              string        `yaml:"db_path"`
	ProfilePath         string        `yaml:"profile_path"`
	OperatorMode        string        `yaml:"operator_mode"`
	InterfaceID         string        `yaml:"interface_id"`
	SerialDevice        string        `yaml:"serial_device"`
	SerialBaud          int           `yaml:"serial_baud"`
	QueueDepth          int           `yaml:"queue_depth"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	SweepTick           time.Duration `yaml:"sweep_tick"`
	DeliveryTick        time.Duration `yaml:"delivery_tick"`
	DeliveryLimit       int           `yaml:"delivery_limit"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	EventRetention      time.Duration `yaml:"event_retention"`
	RetentionTick       time.Duration `yaml:"retention_tick"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	TelemetryTimeout    time.Duration `yaml:"telemetry_timeout"`
	FlashBlockSize      int           `yaml:"flash_block_size"`
	FlashHistoryLimit   int           `yaml:"flash_history_limit"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:          defaultSocketPath(),
		DBPath:              defaultDBPath(),
		OperatorMode:        "DEV",
		InterfaceID:         "sim0",
		SerialBaud:          115200,
		QueueDepth:          256,
		SessionTTL:          2 * time.Minute,
		SweepTick:           5 * time.Second,
		DeliveryTick:        1 * time.Second,
		DeliveryLimit:       50,
		MaxDeliveryAttempts: 5,
		EventRetention:      7 * 24 * time.Hour,
		RetentionTick:       1 * time.Hour,
		ConnectTimeout:      3 * time.Second,
		TelemetryTimeout:    2 * time.Second,
		FlashBlockSize:      4096,
		FlashHistoryLimit:   20,
	}
}

// Load layers an optional YAML file over the defaults, then applies the
// ECUD_OPERATOR_MODE environment override. Operator mode is fixed for the
// process after this point.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if mode := os.Getenv("ECUD_OPERATOR_MODE"); mode != "" {
		cfg.OperatorMode = mode
	}
	return cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "ecud", "ecud.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ecud.sock"
	}
	return filepath.Join(home, ".local", "state", "ecud", "ecud.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ecud.db"
	}
	return filepath.Join(home, ".local", "state", "ecud", "state.db")
}
