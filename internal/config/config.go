// Package config provides configuration loading and management for the sync service.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then .env files, then the process environment (POS_SYNC_ prefix), then
// command line flags bound to the same viper instance.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/telemetry"
)

// EnvPrefix is the prefix of every environment variable read by the service
const EnvPrefix = "POS_SYNC"

// StorageType selects where the sync state is persisted
type StorageType string

const (
	// StorageTypeFile keeps sync state in JSON files under the data directory
	StorageTypeFile StorageType = "file"

	// StorageTypeDatabase keeps sync state in PostgreSQL
	StorageTypeDatabase StorageType = "database"
)

// RowStoreType selects the backend of the local business row store
type RowStoreType string

const (
	// RowStoreSQLite is an embedded SQLite file
	RowStoreSQLite RowStoreType = "sqlite"

	// RowStorePostgres uses the configured PostgreSQL database
	RowStorePostgres RowStoreType = "postgres"
)

// Defaults applied before the config file and environment are read
const (
	DefaultIntervalMinutes    = 5
	DefaultTimeoutSeconds     = 30
	DefaultRetryAttempts      = 3
	DefaultBatchSize          = 500
	DefaultFailureThreshold   = 3
	DefaultStalenessThreshold = "24h"
	DefaultDataDir            = "./data"
	DefaultEnvironment        = "development"
)

// Environment keys. The variable name is EnvPrefix + "_" + upper-cased key.
const (
	KeyRole               = "role"
	KeyEnabled            = "enabled"
	KeyMasterURL          = "master_url"
	KeyInterval           = "interval"
	KeyTimeout            = "timeout"
	KeyRetryAttempts      = "retry_attempts"
	KeyBatchSize          = "batch_size"
	KeyTables             = "tables"
	KeyPriorities         = "priorities"
	KeyConflictResolution = "conflict_resolution"
	KeyStartupSync        = "startup_sync"
	KeyCycleDeadline      = "cycle_deadline"
	KeyFailureThreshold   = "failure_threshold"
	KeyStalenessThreshold = "staleness_threshold"
	KeyDataDir            = "data_dir"
	KeyRowStoreType       = "rowstore_type"
	KeyRowStorePath       = "rowstore_path"
	KeyEnv                = "env"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path        string
	envDir      string
	environment string
	skipDotEnv  bool
	v           *viper.Viper
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// WithViper reads environment and flag overrides through v, so flags bound
// by the CLI take part in the layering.
func WithViper(v *viper.Viper) Option {
	return func(cfg *loaderConfig) error {
		if v == nil {
			return fmt.Errorf("viper instance is required")
		}
		cfg.v = v
		return nil
	}
}

// WithEnvDir looks for .env files in dir instead of the working directory
func WithEnvDir(dir string) Option {
	return func(cfg *loaderConfig) error {
		cfg.envDir = dir
		return nil
	}
}

// WithEnvironment selects which .env.<environment> files are read
func WithEnvironment(environment string) Option {
	return func(cfg *loaderConfig) error {
		cfg.environment = environment
		return nil
	}
}

// WithoutDotEnv disables .env file loading
func WithoutDotEnv() Option {
	return func(cfg *loaderConfig) error {
		cfg.skipDotEnv = true
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Role is this instance's role: master or slave
	Role rows.Role `yaml:"role"`

	// Enabled turns scheduled and startup synchronization on
	Enabled bool `yaml:"enabled"`

	// MasterURL is the base URL of the master's Sync API (slave only)
	MasterURL string `yaml:"masterURL,omitempty"`

	// Interval is the number of minutes between scheduled cycles
	Interval int `yaml:"interval"`

	// Timeout is the number of seconds allowed for each remote call attempt
	Timeout int `yaml:"timeout"`

	// RetryAttempts is how often a failed remote call is retried
	RetryAttempts int `yaml:"retryAttempts"`

	// BatchSize caps the number of rows transferred per table and phase
	BatchSize int `yaml:"batchSize"`

	// StartupSync runs one cycle right after the server starts
	StartupSync bool `yaml:"startupSync"`

	// CycleDeadline stops a cycle from starting new tables once elapsed (e.g. "10m").
	// Empty means no deadline.
	CycleDeadline string `yaml:"cycleDeadline,omitempty"`

	// FailureThreshold is the number of consecutive failures of one table
	// above which recovery is triggered
	FailureThreshold int `yaml:"failureThreshold"`

	// StalenessThreshold is how long a table may go without a successful
	// pull or push before recovery is triggered (e.g. "24h")
	StalenessThreshold string `yaml:"stalenessThreshold"`

	// DataDir holds the lock file, file-based state and the SQLite row store
	DataDir string `yaml:"dataDir"`

	Tables    []registry.TableDescriptor `yaml:"tables"`
	RowStore  RowStoreConfig             `yaml:"rowStore"`
	Database  *DatabaseConfig            `yaml:"database,omitempty"`
	Telemetry *telemetry.Config          `yaml:"telemetry,omitempty"`
}

// RowStoreConfig selects the local business row store
type RowStoreConfig struct {
	// Type is sqlite (default) or postgres
	Type RowStoreType `yaml:"type,omitempty"`

	// Path is the SQLite database file; defaults to <dataDir>/rows.db
	Path string `yaml:"path,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// PasswordEnvVar is read when no password file is configured
const PasswordEnvVar = EnvPrefix + "_DATABASE_PASSWORD"

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the POS_SYNC_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", PasswordEnvVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)
	return connString, nil
}

// Default returns a configuration holding the built-in defaults
func Default() *Config {
	return &Config{
		Enabled:            true,
		Interval:           DefaultIntervalMinutes,
		Timeout:            DefaultTimeoutSeconds,
		RetryAttempts:      DefaultRetryAttempts,
		BatchSize:          DefaultBatchSize,
		StartupSync:        true,
		FailureThreshold:   DefaultFailureThreshold,
		StalenessThreshold: DefaultStalenessThreshold,
		DataDir:            DefaultDataDir,
		RowStore:           RowStoreConfig{Type: RowStoreSQLite},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file,
// .env files and the environment, then validates it.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	v := loaderCfg.v
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	config := Default()

	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if !loaderCfg.skipDotEnv {
		if err := loadDotEnv(v, loaderCfg); err != nil {
			return nil, err
		}
	}

	if err := config.applyOverrides(v); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadDotEnv reads .env files into v as defaults, so real environment
// variables and flags still win. Files earlier in the list take precedence.
func loadDotEnv(v *viper.Viper, loaderCfg *loaderConfig) error {
	environment := loaderCfg.environment
	if environment == "" {
		environment = os.Getenv(EnvPrefix + "_ENV")
	}
	if environment == "" {
		environment = DefaultEnvironment
	}

	files := []string{".env." + environment + ".local"}
	if environment != "test" {
		files = append(files, ".env.local")
	}
	files = append(files, ".env."+environment, ".env")

	prefix := EnvPrefix + "_"
	for i := len(files) - 1; i >= 0; i-- {
		path := filepath.Join(loaderCfg.envDir, files[i])
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		for name, value := range values {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			v.SetDefault(strings.ToLower(strings.TrimPrefix(name, prefix)), value)
		}
	}
	return nil
}

// applyOverrides copies every key set in v onto the config
func (c *Config) applyOverrides(v *viper.Viper) error {
	if v.IsSet(KeyRole) {
		c.Role = rows.Role(strings.ToLower(v.GetString(KeyRole)))
	}
	if v.IsSet(KeyEnabled) {
		c.Enabled = v.GetBool(KeyEnabled)
	}
	if v.IsSet(KeyMasterURL) {
		c.MasterURL = v.GetString(KeyMasterURL)
	}
	if v.IsSet(KeyInterval) {
		c.Interval = v.GetInt(KeyInterval)
	}
	if v.IsSet(KeyTimeout) {
		c.Timeout = v.GetInt(KeyTimeout)
	}
	if v.IsSet(KeyRetryAttempts) {
		c.RetryAttempts = v.GetInt(KeyRetryAttempts)
	}
	if v.IsSet(KeyBatchSize) {
		c.BatchSize = v.GetInt(KeyBatchSize)
	}
	if v.IsSet(KeyStartupSync) {
		c.StartupSync = v.GetBool(KeyStartupSync)
	}
	if v.IsSet(KeyCycleDeadline) {
		c.CycleDeadline = v.GetString(KeyCycleDeadline)
	}
	if v.IsSet(KeyFailureThreshold) {
		c.FailureThreshold = v.GetInt(KeyFailureThreshold)
	}
	if v.IsSet(KeyStalenessThreshold) {
		c.StalenessThreshold = v.GetString(KeyStalenessThreshold)
	}
	if v.IsSet(KeyDataDir) {
		c.DataDir = v.GetString(KeyDataDir)
	}
	if v.IsSet(KeyRowStoreType) {
		c.RowStore.Type = RowStoreType(strings.ToLower(v.GetString(KeyRowStoreType)))
	}
	if v.IsSet(KeyRowStorePath) {
		c.RowStore.Path = v.GetString(KeyRowStorePath)
	}

	tables, err := overrideTables(
		c.Tables,
		v.GetString(KeyTables),
		v.GetString(KeyPriorities),
		v.GetString(KeyConflictResolution),
	)
	if err != nil {
		return err
	}
	c.Tables = tables
	return nil
}

// overrideTables applies the env-style table settings:
//
//	tables=inventories,transactions
//	priorities=inventories:high,transactions:medium
//	conflict_resolution=inventories:master_wins,transactions:slave_wins
//
// A tables list replaces the declared tables but keeps their settings.
func overrideTables(declared []registry.TableDescriptor, names, priorities, strategies string) (
	[]registry.TableDescriptor, error,
) {
	tables := declared
	if strings.TrimSpace(names) != "" {
		byName := make(map[string]registry.TableDescriptor, len(declared))
		for _, d := range declared {
			byName[d.Name] = d
		}
		tables = nil
		for _, name := range splitList(names) {
			d, ok := byName[name]
			if !ok {
				d = registry.TableDescriptor{Name: name}
			}
			tables = append(tables, d)
		}
	}

	index := make(map[string]int, len(tables))
	for i, d := range tables {
		index[d.Name] = i
	}

	assignments, err := parseAssignments(KeyPriorities, priorities)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		i, ok := index[a[0]]
		if !ok {
			return nil, fmt.Errorf("%s: unknown table %q", KeyPriorities, a[0])
		}
		tables[i].Priority = registry.Priority(a[1])
	}

	assignments, err = parseAssignments(KeyConflictResolution, strategies)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		i, ok := index[a[0]]
		if !ok {
			return nil, fmt.Errorf("%s: unknown table %q", KeyConflictResolution, a[0])
		}
		tables[i].Strategy = registry.Strategy(a[1])
	}

	return tables, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAssignments(key, s string) ([][2]string, error) {
	var out [][2]string
	for _, item := range splitList(s) {
		name, value, ok := strings.Cut(item, ":")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("%s: expected table:value, got %q", key, item)
		}
		out = append(out, [2]string{name, value})
	}
	return out, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if _, err := rows.ParseRole(string(c.Role)); err != nil {
		return fmt.Errorf("role: %w", err)
	}

	if c.Role == rows.RoleSlave && c.Enabled {
		if c.MasterURL == "" {
			return fmt.Errorf("master_url is required for an enabled slave")
		}
		u, err := url.Parse(c.MasterURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("master_url must be an absolute http(s) URL, got %q", c.MasterURL)
		}
	}

	if c.Interval <= 0 {
		return fmt.Errorf("interval must be a positive number of minutes")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive number of seconds")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}

	if c.CycleDeadline != "" {
		if _, err := time.ParseDuration(c.CycleDeadline); err != nil {
			return fmt.Errorf("cycle_deadline must be a valid duration (e.g., '10m'): %w", err)
		}
	}
	if _, err := time.ParseDuration(c.StalenessThreshold); err != nil {
		return fmt.Errorf("staleness_threshold must be a valid duration (e.g., '24h'): %w", err)
	}

	if _, err := registry.New(c.Tables); err != nil {
		return err
	}

	switch c.RowStore.Type {
	case RowStoreSQLite, "":
	case RowStorePostgres:
		if c.Database == nil {
			return fmt.Errorf("rowStore.type postgres requires database configuration")
		}
	default:
		return fmt.Errorf("unknown rowStore.type %q (expected sqlite or postgres)", c.RowStore.Type)
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}

// Registry builds the validated table registry
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Tables)
}

// GetStorageType returns the storage type for the sync state.
// A database configuration selects database storage, otherwise files are used.
func (c *Config) GetStorageType() StorageType {
	if c.Database != nil {
		return StorageTypeDatabase
	}
	return StorageTypeFile
}

// GetRowStoreType returns the row store backend, defaulting to SQLite
func (c *Config) GetRowStoreType() RowStoreType {
	if c.RowStore.Type == "" {
		return RowStoreSQLite
	}
	return c.RowStore.Type
}

// GetRowStorePath returns the SQLite file path
func (c *Config) GetRowStorePath() string {
	if c.RowStore.Path != "" {
		return c.RowStore.Path
	}
	return filepath.Join(c.GetDataDir(), "rows.db")
}

// GetDataDir returns the data directory, using the default if not specified
func (c *Config) GetDataDir() string {
	if c.DataDir == "" {
		return DefaultDataDir
	}
	return c.DataDir
}

// GetStatusDir returns the directory for file-based sync state
func (c *Config) GetStatusDir() string {
	return filepath.Join(c.GetDataDir(), "status")
}

// GetLockPath returns the cycle lock file
func (c *Config) GetLockPath() string {
	return filepath.Join(c.GetDataDir(), "sync.lock")
}

// GetInterval returns the time between scheduled cycles
func (c *Config) GetInterval() time.Duration {
	return time.Duration(c.Interval) * time.Minute
}

// GetTimeout returns the timeout of one remote call attempt
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetCycleDeadline returns the cycle deadline, zero when unset
func (c *Config) GetCycleDeadline() time.Duration {
	d, _ := time.ParseDuration(c.CycleDeadline)
	return d
}

// GetStalenessThreshold returns the staleness threshold
func (c *Config) GetStalenessThreshold() time.Duration {
	d, err := time.ParseDuration(c.StalenessThreshold)
	if err != nil {
		d, _ = time.ParseDuration(DefaultStalenessThreshold)
	}
	return d
}

// IsSlave reports whether this instance synchronizes against a master
func (c *Config) IsSlave() bool {
	return c.Role == rows.RoleSlave
}

// String renders the configuration as YAML, without secrets
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(data)
}
