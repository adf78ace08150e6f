package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/gsclient"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "ASSOCRM"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "assocrm.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultStorageBackend   = storage.BackendCSV
	defaultOptimisticLock   = "on"
	defaultDataDir          = "data"
	defaultSessionTTL       = 12 * time.Hour
	defaultAllowedOrigin    = "http://localhost:8501"
	keyGoogleServiceAccount = gsclient.SecretSection
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	SigningSecret  string
	SessionTTL     time.Duration
	Storage        StorageConfig
	Sheets         SheetsConfig
	// GoogleServiceAccount is the raw secret: a mapping, a JSON string or a TOML string.
	GoogleServiceAccount any
}

// StorageConfig selects the table backend.
type StorageConfig struct {
	Backend        string
	OptimisticLock bool
	DataDir        string
	CSVPaths       map[string]string
}

// SheetsConfig selects the spreadsheet used by the gsheets backend.
type SheetsConfig struct {
	SpreadsheetID    string
	SpreadsheetTitle string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.optimistic_lock", defaultOptimisticLock)
	configViper.SetDefault("csv.data_dir", defaultDataDir)
	configViper.SetDefault("gsheets.spreadsheet_title", gsclient.DefaultSpreadsheetTitle)

	_ = configViper.BindEnv(keyGoogleServiceAccount)
	_ = configViper.BindEnv("gsheets.spreadsheet_id")
	_ = configViper.BindEnv("session.signing_secret")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	dataDir := configViper.GetString("csv.data_dir")
	csvPaths := storage.DefaultCSVPaths(dataDir, catalog.Names())
	for table, path := range configViper.GetStringMapString("csv.paths") {
		csvPaths[strings.ToLower(strings.TrimSpace(table))] = path
	}

	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		AllowedOrigins: splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		SigningSecret:  configViper.GetString("session.signing_secret"),
		SessionTTL:     configViper.GetDuration("session.ttl"),
		Storage: StorageConfig{
			Backend:        strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			OptimisticLock: ParseOptimisticLock(configViper.GetString("storage.optimistic_lock")),
			DataDir:        dataDir,
			CSVPaths:       csvPaths,
		},
		Sheets: SheetsConfig{
			SpreadsheetID:    strings.TrimSpace(configViper.GetString("gsheets.spreadsheet_id")),
			SpreadsheetTitle: strings.TrimSpace(configViper.GetString("gsheets.spreadsheet_title")),
		},
		GoogleServiceAccount: configViper.Get(keyGoogleServiceAccount),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ParseOptimisticLock reports whether optimistic locking is enabled. Only off, 0, false and
// no (any case, surrounding spaces ignored) disable it.
func ParseOptimisticLock(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "0", "false", "no":
		return false
	default:
		return true
	}
}

func (c AppConfig) validate() error {
	switch c.Storage.Backend {
	case storage.BackendCSV, storage.BackendGSheets:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", storage.BackendCSV, storage.BackendGSheets, c.Storage.Backend)
	}
	if c.Storage.Backend == storage.BackendCSV && strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("csv.data_dir is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma-separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
