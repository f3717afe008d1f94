package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// RateLimitConfig holds the per-sender rate-limit settings for inbound
// AGORA_INBOX traffic (spec.md §6 agora.security.perSenderRateLimit).
// It is loaded and merged with the rest of Config; no other package
// reads it, so no inbound traffic is rate-limited by it.
type RateLimitConfig struct {
	Enabled     bool `json:"enabled,omitempty"`
	MaxMessages int  `json:"maxMessages,omitempty"`
	WindowMs    int  `json:"windowMs,omitempty"`
}

// SecurityConfig groups the AGORA_INBOX admission-control knobs.
type SecurityConfig struct {
	PerSenderRateLimit RateLimitConfig `json:"perSenderRateLimit,omitempty"`
	UnknownSenderPolicy string         `json:"unknownSenderPolicy,omitempty"` // "accept" | "reject" | "quarantine"
}

// WatchdogConfig mirrors the LoopOrchestrator watchdog thresholds (spec.md §4.5).
type WatchdogConfig struct {
	StallThresholdMs       int `json:"stallThresholdMs,omitempty"`
	CheckIntervalMs        int `json:"checkIntervalMs,omitempty"`
	ForceRestartThresholdMs int `json:"forceRestartThresholdMs,omitempty"`
}

// IdleSleepConfig mirrors SPEC_FULL.md §6's idle-cycle backoff.
type IdleSleepConfig struct {
	Enabled               bool `json:"enabled,omitempty"`
	IdleCyclesBeforeSleep int  `json:"idleCyclesBeforeSleep,omitempty"`
}

// Config is the full set of options spec.md §6 names, loaded from a JSON
// file and then overridden by environment variables (env wins, file wins
// over built-in defaults) -- the same "most specific wins" precedence the
// teacher's Manager applies to its user/project settings pair.
type Config struct {
	SubstratePath    string `json:"substratePath,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	SourceCodePath   string `json:"sourceCodePath,omitempty"`
	BackupPath       string `json:"backupPath,omitempty"`
	Port             int    `json:"port,omitempty"`

	Model         string `json:"model,omitempty"`
	StrategicModel string `json:"strategicModel,omitempty"`
	TacticalModel  string `json:"tacticalModel,omitempty"`

	Mode                  string `json:"mode,omitempty"` // "cycle" | "tick"
	AutoStartOnFirstRun   bool   `json:"autoStartOnFirstRun,omitempty"`
	AutoStartAfterRestart bool   `json:"autoStartAfterRestart,omitempty"`

	SuperegoAuditInterval int `json:"superegoAuditInterval,omitempty"`
	CycleDelayMs          int `json:"cycleDelayMs,omitempty"`
	ShutdownGraceMs       int `json:"shutdownGraceMs,omitempty"`
	ProgressMaxBytes      int `json:"progressMaxBytes,omitempty"`

	EnableFileReadCache bool `json:"enableFileReadCache,omitempty"`

	Watchdog WatchdogConfig  `json:"watchdog,omitempty"`
	Agora    struct {
		Security SecurityConfig `json:"security,omitempty"`
	} `json:"agora,omitempty"`
	IdleSleep IdleSleepConfig `json:"idleSleepConfig,omitempty"`

	APIToken        string `json:"apiToken,omitempty"`
	RelayJWTSecret  string `json:"relayJwtSecret,omitempty"`
	JWTExpirySeconds int   `json:"jwtExpirySeconds,omitempty"`
	WebhookToken    string `json:"webhookToken,omitempty"`
}

// Defaults returns the built-in fallback values, used when neither the
// config file nor an environment variable supplies a setting.
func Defaults() *Config {
	return &Config{
		SubstratePath:         "./substrate",
		WorkingDirectory:      ".",
		Port:                  8443,
		Model:                 "",
		StrategicModel:        "",
		TacticalModel:         "",
		Mode:                  "cycle",
		AutoStartOnFirstRun:   true,
		AutoStartAfterRestart: true,
		SuperegoAuditInterval: 5,
		CycleDelayMs:          2000,
		ShutdownGraceMs:       5000,
		ProgressMaxBytes:      65536,
		EnableFileReadCache:   true,
		Watchdog: WatchdogConfig{
			StallThresholdMs:        120000,
			CheckIntervalMs:         10000,
			ForceRestartThresholdMs: 600000,
		},
		IdleSleep: IdleSleepConfig{
			Enabled:               true,
			IdleCyclesBeforeSleep: 3,
		},
		JWTExpirySeconds: 3600,
	}
}

// Manager loads a Config from disk and layers environment overrides on
// top, the way the teacher's Manager layers project settings over user
// settings: each layer only replaces a field the layer before it left at
// its zero value.
type Manager struct {
	fileConfig *Config
	merged     *Config
}

func NewManager() *Manager {
	return &Manager{fileConfig: &Config{}, merged: Defaults()}
}

// Load reads configPath (if present; a missing file is not an error),
// merges it over the built-in defaults, then applies environment
// variable overrides.
func (m *Manager) Load(configPath string) error {
	if err := m.loadConfig(configPath, m.fileConfig); err != nil {
		return err
	}
	m.mergeConfig()
	m.applyEnvOverrides()
	return nil
}

func (m *Manager) loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (m *Manager) mergeConfig() {
	d := Defaults()
	f := m.fileConfig
	merged := *d
	merged.SubstratePath = getStringValue(f.SubstratePath, d.SubstratePath)
	merged.WorkingDirectory = getStringValue(f.WorkingDirectory, d.WorkingDirectory)
	merged.SourceCodePath = getStringValue(f.SourceCodePath, d.SourceCodePath)
	merged.BackupPath = getStringValue(f.BackupPath, d.BackupPath)
	merged.Port = getIntValue(f.Port, d.Port)
	merged.Model = getStringValue(f.Model, d.Model)
	merged.StrategicModel = getStringValue(f.StrategicModel, d.StrategicModel)
	merged.TacticalModel = getStringValue(f.TacticalModel, d.TacticalModel)
	merged.Mode = getStringValue(f.Mode, d.Mode)
	merged.AutoStartOnFirstRun = getBoolValue(f.AutoStartOnFirstRun, d.AutoStartOnFirstRun)
	merged.AutoStartAfterRestart = getBoolValue(f.AutoStartAfterRestart, d.AutoStartAfterRestart)
	merged.SuperegoAuditInterval = getIntValue(f.SuperegoAuditInterval, d.SuperegoAuditInterval)
	merged.CycleDelayMs = getIntValue(f.CycleDelayMs, d.CycleDelayMs)
	merged.ShutdownGraceMs = getIntValue(f.ShutdownGraceMs, d.ShutdownGraceMs)
	merged.ProgressMaxBytes = getIntValue(f.ProgressMaxBytes, d.ProgressMaxBytes)
	merged.EnableFileReadCache = getBoolValue(f.EnableFileReadCache, d.EnableFileReadCache)
	merged.Watchdog = WatchdogConfig{
		StallThresholdMs:        getIntValue(f.Watchdog.StallThresholdMs, d.Watchdog.StallThresholdMs),
		CheckIntervalMs:         getIntValue(f.Watchdog.CheckIntervalMs, d.Watchdog.CheckIntervalMs),
		ForceRestartThresholdMs: getIntValue(f.Watchdog.ForceRestartThresholdMs, d.Watchdog.ForceRestartThresholdMs),
	}
	merged.Agora.Security = SecurityConfig{
		PerSenderRateLimit: RateLimitConfig{
			Enabled:     getBoolValue(f.Agora.Security.PerSenderRateLimit.Enabled, d.Agora.Security.PerSenderRateLimit.Enabled),
			MaxMessages: getIntValue(f.Agora.Security.PerSenderRateLimit.MaxMessages, d.Agora.Security.PerSenderRateLimit.MaxMessages),
			WindowMs:    getIntValue(f.Agora.Security.PerSenderRateLimit.WindowMs, d.Agora.Security.PerSenderRateLimit.WindowMs),
		},
		UnknownSenderPolicy: getStringValue(f.Agora.Security.UnknownSenderPolicy, d.Agora.Security.UnknownSenderPolicy),
	}
	merged.IdleSleep = IdleSleepConfig{
		Enabled:               getBoolValue(f.IdleSleep.Enabled, d.IdleSleep.Enabled),
		IdleCyclesBeforeSleep: getIntValue(f.IdleSleep.IdleCyclesBeforeSleep, d.IdleSleep.IdleCyclesBeforeSleep),
	}
	merged.APIToken = getStringValue(f.APIToken, d.APIToken)
	merged.RelayJWTSecret = getStringValue(f.RelayJWTSecret, d.RelayJWTSecret)
	merged.JWTExpirySeconds = getIntValue(f.JWTExpirySeconds, d.JWTExpirySeconds)
	merged.WebhookToken = getStringValue(f.WebhookToken, d.WebhookToken)
	m.merged = &merged
}

// applyEnvOverrides lets the small set of deployment-sensitive settings be
// supplied without a config file, per spec.md §6.
func (m *Manager) applyEnvOverrides() {
	c := m.merged
	if v := os.Getenv("SUBSTRATE_PATH"); v != "" {
		c.SubstratePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("SUPEREGO_AUDIT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SuperegoAuditInterval = n
		}
	}
	if v := os.Getenv("AGORA_RELAY_JWT_SECRET"); v != "" {
		c.RelayJWTSecret = v
	}
	if v := os.Getenv("AGORA_JWT_EXPIRY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.JWTExpirySeconds = n
		}
	}
	if v := os.Getenv("AGORA_WEBHOOK_TOKEN"); v != "" {
		c.WebhookToken = v
	}
}

func getStringValue(specific, fallback string) string {
	if specific != "" {
		return specific
	}
	return fallback
}

func getBoolValue(specific, fallback bool) bool {
	return specific || fallback
}

func getIntValue(specific, fallback int) int {
	if specific != 0 {
		return specific
	}
	return fallback
}

func (m *Manager) Get() *Config {
	return m.merged
}

// Save writes the file-layer config (not the merged view) back to
// configPath, creating its parent directory if needed.
func (m *Manager) Save(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.fileConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}