// Package config provides application configuration loaded from environment
// variables with defaults and validation, optionally overlaid with a TOML
// secrets file. It centralizes server, logging, storage, remote mirror, mail
// and observability settings. Values are handed to constructors; nothing here
// is global.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "biobank-intake")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// FilesConfig names the local working copies and their remote counterparts.
type FilesConfig struct {
	LocalRecords  string // LOCAL_FILE_XLSX
	LocalLedger   string // LOCAL_FILE_CSV
	LockFile      string // LOCK_FILE
	RemoteRecords string // REMOTE_FILE_XLSX
	RemoteLedger  string // REMOTE_FILE_CSV
}

// RemoteConfig holds the SFTP mirror credentials. An empty Host disables
// remote sync.
type RemoteConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Dir             string
	KnownHostsFile  string
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
}

// SMTPConfig holds the notification mailer settings. An empty Host or no
// recipients disables notifications.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	Timeout    time.Duration
	Workers    int
}

// LogConfig controls log output. A non-empty File sends logs to a rotating
// file instead of stderr.
type LogConfig struct {
	Level      string // debug|info|warn|error|fatal|panic
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	GinMode           string // debug|release|test
	APIBasePath       string

	Log LogConfig

	// Storage
	DBPath      string
	Files       FilesConfig
	LockTimeout time.Duration
	AttemptTTL  time.Duration

	// Remote mirror and notifications
	Remote              RemoteConfig
	SMTP                SMTPConfig
	SyncRefreshSchedule string // cron spec; empty disables the periodic pull

	// SecretsFile is a TOML file with [remote], [files] and [smtp] sections
	// whose values override the environment.
	SecretsFile string

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, overlays the secrets
// file when SECRETS_FILE is set, applies defaults, normalizes values and
// validates the result.
func Load() (Config, error) {
	dataDir := getenv("DATA_DIR", "data")
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 2*time.Minute),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 20<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Log: LogConfig{
			Level:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			Pretty:     getbool("LOG_PRETTY", false),
			File:       getenv("LOG_FILE", ""),
			MaxSizeMB:  getint("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getint("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getint("LOG_MAX_AGE_DAYS", 30),
		},

		// Storage
		DBPath: getenv("DB_PATH", filepath.Join(dataDir, "intake.db")),
		Files: FilesConfig{
			LocalRecords:  getenv("LOCAL_FILE_XLSX", filepath.Join(dataDir, "respuestas.xlsx")),
			LocalLedger:   getenv("LOCAL_FILE_CSV", filepath.Join(dataDir, "identificacion.csv")),
			LockFile:      getenv("LOCK_FILE", filepath.Join(dataDir, "intake.lock")),
			RemoteRecords: getenv("REMOTE_FILE_XLSX", "respuestas.xlsx"),
			RemoteLedger:  getenv("REMOTE_FILE_CSV", "identificacion.csv"),
		},
		LockTimeout: getdur("LOCK_TIMEOUT", 10*time.Second),
		AttemptTTL:  getdur("ATTEMPT_TTL", 24*time.Hour),

		Remote: RemoteConfig{
			Host:            getenv("REMOTE_HOST", ""),
			Port:            getint("REMOTE_PORT", 22),
			User:            getenv("REMOTE_USER", ""),
			Password:        getenv("REMOTE_PASSWORD", ""),
			Dir:             getenv("REMOTE_DIR", "."),
			KnownHostsFile:  getenv("REMOTE_KNOWN_HOSTS", ""),
			ConnectTimeout:  getdur("REMOTE_CONNECT_TIMEOUT", 10*time.Second),
			TransferTimeout: getdur("REMOTE_TRANSFER_TIMEOUT", time.Minute),
		},
		SMTP: SMTPConfig{
			Host:       getenv("SMTP_HOST", ""),
			Port:       getint("SMTP_PORT", 587),
			Username:   getenv("SMTP_USER", ""),
			Password:   getenv("SMTP_PASSWORD", ""),
			From:       getenv("SMTP_FROM", ""),
			Recipients: splitCSV(getenv("NOTIFY_RECIPIENTS", "")),
			Timeout:    getdur("SMTP_TIMEOUT", 30*time.Second),
			Workers:    getint("NOTIFY_WORKERS", 2),
		},
		SyncRefreshSchedule: strings.TrimSpace(getenv("SYNC_REFRESH_SCHEDULE", "")),
		SecretsFile:         getenv("SECRETS_FILE", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "biobank-intake"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.SecretsFile != "" {
		if err := overlaySecrets(&cfg, cfg.SecretsFile); err != nil {
			return cfg, err
		}
	}

	// --- normalization ---
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Files.LocalRecords) == "" || strings.TrimSpace(cfg.Files.LocalLedger) == "" || strings.TrimSpace(cfg.Files.LockFile) == "" {
		return errors.New("LOCAL_FILE_XLSX, LOCAL_FILE_CSV and LOCK_FILE must not be empty")
	}
	if strings.TrimSpace(cfg.Files.RemoteRecords) == "" || strings.TrimSpace(cfg.Files.RemoteLedger) == "" {
		return errors.New("REMOTE_FILE_XLSX and REMOTE_FILE_CSV must not be empty")
	}
	if cfg.LockTimeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be > 0")
	}
	if cfg.AttemptTTL <= 0 {
		return errors.New("ATTEMPT_TTL must be > 0")
	}
	if cfg.Remote.Port < 1 || cfg.Remote.Port > 65535 {
		return errors.New("REMOTE_PORT must be in [1,65535]")
	}
	if cfg.Remote.Host != "" && cfg.Remote.User == "" {
		return errors.New("REMOTE_USER is required when REMOTE_HOST is set")
	}
	if cfg.Remote.ConnectTimeout <= 0 || cfg.Remote.TransferTimeout <= 0 {
		return errors.New("REMOTE_CONNECT_TIMEOUT and REMOTE_TRANSFER_TIMEOUT must be > 0")
	}
	if cfg.SMTP.Port < 1 || cfg.SMTP.Port > 65535 {
		return errors.New("SMTP_PORT must be in [1,65535]")
	}
	if cfg.SMTP.Workers < 1 {
		return errors.New("NOTIFY_WORKERS must be >= 1")
	}
	if cfg.SyncRefreshSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SyncRefreshSchedule); err != nil {
			return fmt.Errorf("SYNC_REFRESH_SCHEDULE: %w", err)
		}
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// overlaySecrets reads a TOML secrets file and copies every key it sets over
// the environment values:
//
//	[remote] host, port, user, password, dir, known_hosts
//	[files]  local_file_xlsx, local_file_csv, lock_file, remote_file_xlsx, remote_file_csv
//	[smtp]   server, port, user, password, from, recipients
func overlaySecrets(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read secrets file %s: %w", path, err)
	}

	setString(v, "remote.host", &cfg.Remote.Host)
	setInt(v, "remote.port", &cfg.Remote.Port)
	setString(v, "remote.user", &cfg.Remote.User)
	setString(v, "remote.password", &cfg.Remote.Password)
	setString(v, "remote.dir", &cfg.Remote.Dir)
	setString(v, "remote.known_hosts", &cfg.Remote.KnownHostsFile)

	setString(v, "files.local_file_xlsx", &cfg.Files.LocalRecords)
	setString(v, "files.local_file_csv", &cfg.Files.LocalLedger)
	setString(v, "files.lock_file", &cfg.Files.LockFile)
	setString(v, "files.remote_file_xlsx", &cfg.Files.RemoteRecords)
	setString(v, "files.remote_file_csv", &cfg.Files.RemoteLedger)

	setString(v, "smtp.server", &cfg.SMTP.Host)
	setInt(v, "smtp.port", &cfg.SMTP.Port)
	setString(v, "smtp.user", &cfg.SMTP.Username)
	setString(v, "smtp.password", &cfg.SMTP.Password)
	setString(v, "smtp.from", &cfg.SMTP.From)
	if v.IsSet("smtp.recipients") {
		cfg.SMTP.Recipients = v.GetStringSlice("smtp.recipients")
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
