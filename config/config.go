package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/waggleworks/waggle/log"

	"gopkg.in/yaml.v3"
)

const ConfigFileName = "config.yaml"

// EnvHome overrides the coordination directory when set. Sessions that should
// coordinate must share the same value.
const EnvHome = "WAGGLE_HOME"

// GetConfigDir returns the path to the application's coordination directory.
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".waggle"), nil
}

// Config represents the application configuration. Interval fields are
// integers in milliseconds so the YAML stays hand-editable; use the duration
// getters in code.
type Config struct {
	// HeartbeatIntervalMS is how often a coordinator refreshes its heartbeat.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	// StaleMultiplier marks a heartbeat stale after this many missed intervals.
	StaleMultiplier int `yaml:"stale_multiplier"`
	// OrphanMultiplier marks a dead session orphaned after this many missed intervals.
	OrphanMultiplier int `yaml:"orphan_multiplier"`
	// SyncIntervalMS is the background sync poll interval.
	SyncIntervalMS int `yaml:"sync_interval_ms"`
	// ShutdownGraceMS bounds how long Stop waits for background tasks to join.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
	// MaxWriteRetries caps conflict retries per write before WriteExhausted.
	MaxWriteRetries int `yaml:"max_write_retries"`
	// RetryBackoffMS is the first conflict backoff; doubles per attempt.
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
	// MaxEvents caps the active event log; excess rotates into archives.
	MaxEvents int `yaml:"max_events"`
	// CheckpointIntervalMS is how often a coordinator captures a checkpoint.
	CheckpointIntervalMS int `yaml:"checkpoint_interval_ms"`
	// CheckpointRetention is how many checkpoints to keep per session.
	CheckpointRetention int `yaml:"checkpoint_retention"`
	// BackupRetention is how many context snapshot backups to keep per shard.
	BackupRetention int `yaml:"backup_retention"`
	// ShardCount partitions context keys to bound cross-session contention.
	ShardCount int `yaml:"shard_count"`
	// MinFreeDiskBytes is the floor below which recovery is deferred.
	MinFreeDiskBytes uint64 `yaml:"min_free_disk_bytes"`
	// MinFreeMemoryBytes is the floor below which recovery is deferred.
	MinFreeMemoryBytes uint64 `yaml:"min_free_memory_bytes"`
	// ResourceEscalateAfter is how many deferred attempts before a warning.
	ResourceEscalateAfter int `yaml:"resource_escalate_after"`
	// ContextBackend selects the snapshot backend: "file" or "sqlite".
	ContextBackend string `yaml:"context_backend"`
	// DaemonPollInterval is the interval (ms) at which the daemon sweeps sessions.
	DaemonPollInterval int `yaml:"daemon_poll_interval"`
	// NotificationsEnabled controls desktop notifications on crash detection.
	NotificationsEnabled bool `yaml:"notifications_enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatIntervalMS:   5000,
		StaleMultiplier:       3,
		OrphanMultiplier:      12,
		SyncIntervalMS:        1000,
		ShutdownGraceMS:       5000,
		MaxWriteRetries:       3,
		RetryBackoffMS:        100,
		MaxEvents:             1000,
		CheckpointIntervalMS:  30000,
		CheckpointRetention:   5,
		BackupRetention:       3,
		ShardCount:            4,
		MinFreeDiskBytes:      100 << 20,
		MinFreeMemoryBytes:    128 << 20,
		ResourceEscalateAfter: 5,
		ContextBackend:        "file",
		DaemonPollInterval:    10000,
		NotificationsEnabled:  true,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return config
}

// saveConfig saves the configuration to disk.
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return AtomicWriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages.
func SaveConfig(config *Config) error {
	return saveConfig(config)
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// StaleAfter returns the heartbeat age past which a session counts as stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleMultiplier) * c.HeartbeatInterval()
}

// OrphanAfter returns the heartbeat age past which a dead session counts as orphaned.
func (c *Config) OrphanAfter() time.Duration {
	return time.Duration(c.OrphanMultiplier) * c.HeartbeatInterval()
}

// SyncInterval returns the background sync poll interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// ShutdownGrace returns the shutdown join deadline as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

// RetryBackoff returns the initial conflict backoff as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// CheckpointInterval returns the periodic checkpoint interval as a duration.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalMS) * time.Millisecond
}

// DaemonPoll returns the daemon sweep interval as a duration.
func (c *Config) DaemonPoll() time.Duration {
	return time.Duration(c.DaemonPollInterval) * time.Millisecond
}

// SessionsDir returns the directory holding per-session records.
func SessionsDir(baseDir string) string {
	return filepath.Join(baseDir, "sessions")
}

// CheckpointsDir returns the directory holding per-session checkpoints.
func CheckpointsDir(baseDir string) string {
	return filepath.Join(baseDir, "checkpoints")
}

// ContextDir returns the directory holding shared context shards and events.
func ContextDir(baseDir string) string {
	return filepath.Join(baseDir, "shared_context")
}
