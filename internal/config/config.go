// Package config manages the routerguard configuration.
// It loads YAML files, applies defaults and environment overrides, validates
// the result and compiles per-device settings into models.DeviceConfig.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"routerguard/internal/models"
)

// EnvPrefix prefixes environment overrides, e.g. ROUTERGUARD_SERVER_PORT
const EnvPrefix = "ROUTERGUARD"

// Server holds HTTP API settings
type Server struct {
	Port            int      `yaml:"port" validate:"gte=1,lte=65535"`
	Host            string   `yaml:"host"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	ReadTimeout     int      `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    int      `yaml:"writeTimeout" validate:"gte=0"`
	ShutdownTimeout int      `yaml:"shutdownTimeout" validate:"gte=0"`
}

// Database holds SQLite settings
type Database struct {
	Path              string `yaml:"path" validate:"required"`
	BackupDir         string `yaml:"backupDir"`
	BackupFrequency   string `yaml:"backupFrequency"`
	OptimizeFrequency string `yaml:"optimizeFrequency"`
	DataRetentionDays int    `yaml:"dataRetentionDays" validate:"gte=0"`
}

// Auth holds API authentication settings
type Auth struct {
	Enabled        bool   `yaml:"enabled"`
	Username       string `yaml:"username" validate:"required_if=Enabled true"`
	PasswordHash   string `yaml:"passwordHash" validate:"required_if=Enabled true"`
	SessionTimeout int    `yaml:"sessionTimeout" validate:"gte=0"`
	JWTSecret      string `yaml:"jwtSecret" validate:"required_if=Enabled true"`
}

// Logging holds logger settings
type Logging struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=console json"`
	OutputPath string `yaml:"outputPath"`
}

// Events holds NATS publishing settings
type Events struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	EmbeddedHost  string `yaml:"embeddedHost"`
	EmbeddedPort  int    `yaml:"embeddedPort" validate:"gte=-1,lte=65535"`
	SubjectPrefix string `yaml:"subjectPrefix" validate:"required_if=Enabled true"`
}

// Maintenance holds the database housekeeping schedule
type Maintenance struct {
	Frequency        string `yaml:"frequency"`
	DatabaseBackup   bool   `yaml:"databaseBackup"`
	DatabaseOptimize bool   `yaml:"databaseOptimize"`
	CleanupOldData   bool   `yaml:"cleanupOldData"`
}

// Monitor holds the defaults every device starts from
type Monitor struct {
	PollInterval         time.Duration              `yaml:"pollInterval"`
	CallTimeout          time.Duration              `yaml:"callTimeout"`
	Thresholds           models.Thresholds          `yaml:"thresholds"`
	Multipliers          models.SeverityMultipliers `yaml:"multipliers"`
	BlockDurations       models.BlockDurations      `yaml:"blockDurations"`
	DefaultBlockDuration time.Duration              `yaml:"defaultBlockDuration"`
	MinBlockSeverity     models.Severity            `yaml:"minBlockSeverity"`
	AutoMitigate         bool                       `yaml:"autoMitigate"`
	AddressList          string                     `yaml:"addressList"`
	MaxBlocksPerMinute   int                        `yaml:"maxBlocksPerMinute"`
	Cooldown             time.Duration              `yaml:"cooldown"`
	MaxFailures          int                        `yaml:"maxFailures"`
	BackoffBase          time.Duration              `yaml:"backoffBase"`
	BackoffCap           time.Duration              `yaml:"backoffCap"`
	Whitelist            []string                   `yaml:"whitelist"`
	StopTimeout          time.Duration              `yaml:"stopTimeout" validate:"gte=0"`
	BreakerFailures      uint32                     `yaml:"breakerFailures"`
	BreakerTimeout       time.Duration              `yaml:"breakerTimeout" validate:"gte=0"`
}

// DeviceSettings describes one device. Any Monitor key may also appear here
// and overrides the default for this device only; whitelists are added to
// the global one.
type DeviceSettings struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	UseTLS             bool   `yaml:"useTls"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	Username           string `yaml:"username"`
	Credentials        string `yaml:"credentials"`
	Enabled            *bool  `yaml:"enabled"`

	raw yaml.Node
}

// UnmarshalYAML keeps the raw node so Monitor overrides can be decoded later
func (d *DeviceSettings) UnmarshalYAML(node *yaml.Node) error {
	type plain DeviceSettings
	if err := node.Decode((*plain)(d)); err != nil {
		return err
	}
	d.raw = *node
	return nil
}

// Config represents the application configuration
type Config struct {
	Server      Server           `yaml:"server"`
	Database    Database         `yaml:"database"`
	Auth        Auth             `yaml:"auth"`
	Logging     Logging          `yaml:"logging"`
	Monitor     Monitor          `yaml:"monitor"`
	Devices     []DeviceSettings `yaml:"devices"`
	Events      Events           `yaml:"events"`
	Maintenance Maintenance      `yaml:"maintenance"`

	path string
	mu   sync.RWMutex
}

var (
	instance *Config
	once     sync.Once
)

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns a configuration holding only defaults
func New() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// LoadConfig loads configuration from a YAML file. On error the current
// configuration is left untouched.
func (c *Config) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("configuration file does not exist: %s", path)
		}
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	fresh := New()
	if err := yaml.Unmarshal(data, fresh); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	if err := fresh.applyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	if err := fresh.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dirs := []string{
		filepath.Dir(fresh.Database.Path),
		fresh.Database.BackupDir,
	}
	if fresh.Logging.OutputPath != "" {
		dirs = append(dirs, filepath.Dir(fresh.Logging.OutputPath))
	}
	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	c.mu.Lock()
	c.Server = fresh.Server
	c.Database = fresh.Database
	c.Auth = fresh.Auth
	c.Logging = fresh.Logging
	c.Monitor = fresh.Monitor
	c.Devices = fresh.Devices
	c.Events = fresh.Events
	c.Maintenance = fresh.Maintenance
	c.path = path
	c.mu.Unlock()

	log.Info().Str("path", path).Int("devices", len(fresh.Devices)).Msg("Configuration loaded successfully")
	return nil
}

// Reload reloads the configuration from the file
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return errors.New("configuration was not loaded from a file")
	}
	return c.LoadConfig(path)
}

// Validate checks that the configuration is valid, including every device
func (c *Config) Validate() error {
	if err := models.Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	for name, freq := range map[string]string{
		"backup":      c.Database.BackupFrequency,
		"optimize":    c.Database.OptimizeFrequency,
		"maintenance": c.Maintenance.Frequency,
	} {
		if freq == "" {
			continue
		}
		if _, err := time.ParseDuration(freq); err != nil {
			return fmt.Errorf("invalid %s frequency: %s", name, freq)
		}
	}

	if c.Events.Enabled && !c.Events.Embedded && c.Events.URL == "" {
		return errors.New("events enabled without a NATS url or embedded server")
	}

	_, err := c.deviceConfigs()
	return err
}

// DeviceConfigs compiles every device entry against the monitor defaults
func (c *Config) DeviceConfigs() ([]models.DeviceConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceConfigs()
}

func (c *Config) deviceConfigs() ([]models.DeviceConfig, error) {
	seen := make(map[string]bool, len(c.Devices))
	out := make([]models.DeviceConfig, 0, len(c.Devices))
	for i, d := range c.Devices {
		if seen[d.ID] {
			return nil, fmt.Errorf("devices[%d]: duplicate device id %q", i, d.ID)
		}
		seen[d.ID] = true

		cfg, err := c.compileDevice(d)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (c *Config) compileDevice(d DeviceSettings) (models.DeviceConfig, error) {
	m := c.Monitor
	m.Whitelist = nil
	if d.raw.Kind != 0 {
		if err := d.raw.Decode(&m); err != nil {
			return models.DeviceConfig{}, fmt.Errorf("device %q: %w", d.ID, err)
		}
	}

	whitelist, err := parseWhitelist(append(append([]string{}, c.Monitor.Whitelist...), m.Whitelist...))
	if err != nil {
		return models.DeviceConfig{}, fmt.Errorf("device %q: %w", d.ID, err)
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	name := d.Name
	if name == "" {
		name = d.ID
	}

	cfg := models.DeviceConfig{
		ID:                   d.ID,
		Name:                 name,
		Host:                 d.Host,
		Port:                 d.Port,
		UseTLS:               d.UseTLS,
		InsecureSkipVerify:   d.InsecureSkipVerify,
		Username:             d.Username,
		CredentialsRef:       d.Credentials,
		Enabled:              enabled,
		PollInterval:         m.PollInterval,
		CallTimeout:          m.CallTimeout,
		Thresholds:           m.Thresholds,
		Multipliers:          m.Multipliers,
		BlockDurations:       m.BlockDurations,
		DefaultBlockDuration: m.DefaultBlockDuration,
		MinBlockSeverity:     m.MinBlockSeverity,
		Whitelist:            whitelist,
		AutoMitigate:         m.AutoMitigate,
		AddressList:          m.AddressList,
		MaxBlocksPerMinute:   m.MaxBlocksPerMinute,
		Cooldown:             m.Cooldown,
		MaxFailures:          m.MaxFailures,
		BackoffBase:          m.BackoffBase,
		BackoffCap:           m.BackoffCap,
	}
	if err := cfg.Validate(); err != nil {
		return models.DeviceConfig{}, err
	}
	return cfg, nil
}

func parseWhitelist(entries []string) ([]netip.Prefix, error) {
	seen := make(map[netip.Prefix]bool, len(entries))
	out := make([]netip.Prefix, 0, len(entries))
	for _, s := range entries {
		p, err := models.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", s, err)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// applyEnv overrides scalar settings from ROUTERGUARD_<SECTION>_<KEY> variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	setString := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	setBool := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}

	overrides := []struct {
		key string
		set func(string) error
	}{
		{"SERVER_HOST", setString(&c.Server.Host)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"DATABASE_PATH", setString(&c.Database.Path)},
		{"DATABASE_BACKUPDIR", setString(&c.Database.BackupDir)},
		{"LOGGING_LEVEL", setString(&c.Logging.Level)},
		{"LOGGING_FORMAT", setString(&c.Logging.Format)},
		{"AUTH_ENABLED", setBool(&c.Auth.Enabled)},
		{"AUTH_JWTSECRET", setString(&c.Auth.JWTSecret)},
		{"EVENTS_ENABLED", setBool(&c.Events.Enabled)},
		{"EVENTS_URL", setString(&c.Events.URL)},
	}
	for _, o := range overrides {
		name := EnvPrefix + "_" + o.key
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// GetBackupFrequency returns the backup frequency as a parsed duration
func (c *Config) GetBackupFrequency() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Database.BackupFrequency)
}

// GetOptimizeFrequency returns the optimize frequency as a parsed duration
func (c *Config) GetOptimizeFrequency() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Database.OptimizeFrequency)
}

// GetMaintenanceFrequency returns how often retention cleanup runs
func (c *Config) GetMaintenanceFrequency() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.ParseDuration(c.Maintenance.Frequency)
}

// setDefaults initializes the configuration with default values
func setDefaults(c *Config) {
	// Server defaults
	c.Server.Port = 8080
	c.Server.Host = "127.0.0.1"
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.ReadTimeout = 30
	c.Server.WriteTimeout = 30
	c.Server.ShutdownTimeout = 10

	// Database defaults
	c.Database.Path = "./data/routerguard.db"
	c.Database.BackupDir = "./data/backups"
	c.Database.BackupFrequency = "168h" // 1 week
	c.Database.OptimizeFrequency = "24h"
	c.Database.DataRetentionDays = 30

	// Auth defaults
	c.Auth.Enabled = false
	c.Auth.SessionTimeout = 3600 // 1 hour

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "console"

	// Monitor defaults
	c.Monitor.PollInterval = 10 * time.Second
	c.Monitor.CallTimeout = 5 * time.Second
	c.Monitor.Thresholds = models.Thresholds{
		SYNRate:        1000,
		UDPRate:        5000,
		ICMPRate:       500,
		NewConnRate:    200,
		MaxConnections: 20000,
		PortScanPorts:  50,
	}
	c.Monitor.Multipliers = models.DefaultMultipliers()
	c.Monitor.BlockDurations = models.BlockDurations{
		Low:      10 * time.Minute,
		Medium:   30 * time.Minute,
		High:     2 * time.Hour,
		Critical: 24 * time.Hour,
	}
	c.Monitor.DefaultBlockDuration = time.Hour
	c.Monitor.MinBlockSeverity = models.SeverityMedium
	c.Monitor.AutoMitigate = true
	c.Monitor.AddressList = "ddos_blocklist"
	c.Monitor.MaxBlocksPerMinute = 30
	c.Monitor.Cooldown = 5 * time.Minute
	c.Monitor.MaxFailures = 3
	c.Monitor.BackoffBase = 5 * time.Second
	c.Monitor.BackoffCap = 5 * time.Minute
	c.Monitor.StopTimeout = 10 * time.Second
	c.Monitor.BreakerFailures = 5
	c.Monitor.BreakerTimeout = 30 * time.Second

	// Events defaults
	c.Events.Enabled = false
	c.Events.EmbeddedHost = "127.0.0.1"
	c.Events.EmbeddedPort = 4222
	c.Events.SubjectPrefix = "routerguard"

	// Maintenance defaults
	c.Maintenance.Frequency = "24h"
	c.Maintenance.DatabaseBackup = true
	c.Maintenance.DatabaseOptimize = true
	c.Maintenance.CleanupOldData = true
}
