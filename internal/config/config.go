// Package config resolves the application environment and market identity,
// and the set of database aliases reachable in that environment.
//
// Configuration is loaded from environment variables (optionally via a
// .env file) the same way the teacher's internal/config package loads
// credentials: godotenv.Load() is best-effort, then typed getters with
// defaults, then fail-fast validation.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/wcmkt/market-sync/internal/errs"
)

// Environment is the resolved deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Alias identifies one of the enumerated databases the system talks to.
type Alias string

const (
	AliasMarketProd Alias = "wcmkt_prod"
	AliasMarketTest Alias = "wcmkt_test"
	AliasSDE        Alias = "sde"
	AliasFittings   Alias = "fittings"
)

// DBConfig describes one database alias: its on-disk file, optional remote
// replica, and the bearer token used to authenticate to that replica.
type DBConfig struct {
	Alias    Alias
	FileName string // on-disk file name, resolved under DataDir
	RemoteURL string // empty disables remote replication for this alias
	AuthToken string
}

// MarketConfig identifies the corp market this cycle targets.
type MarketConfig struct {
	RegionID    int
	SystemID    int
	StructureID int64
	MarketName  string
}

// BackupConfig describes the optional S3-compatible backup destination.
// Empty Bucket disables the backup job entirely — absent credentials are
// not a fatal configuration error.
type BackupConfig struct {
	Bucket          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Enabled reports whether enough backup configuration is present to run
// the backup job.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Config is the fully resolved application configuration.
type Config struct {
	Environment Environment
	DataDir     string
	Market      MarketConfig
	Backup      BackupConfig

	CompatibilityDate string // X-Compatibility-Date header value
	UserAgent         string
	ESIBaseURL        string
	TokenURL          string

	ClientID     string
	SecretKey    string
	RefreshToken string

	databases map[Alias]DBConfig
}

// Load reads configuration from the environment (and .env, if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := Environment(getEnv("APP_ENVIRONMENT", string(Development)))
	if env != Development && env != Production {
		return nil, errs.ConfigError(fmt.Sprintf("unknown app.environment %q", env), nil)
	}

	cfg := &Config{
		Environment:       env,
		DataDir:           getEnv("MKTS_DATA_DIR", "./data"),
		CompatibilityDate: getEnv("ESI_COMPATIBILITY_DATE", "2020-01-01"),
		UserAgent:         getEnv("ESI_USER_AGENT", "wcmkt-sync/1.0 (contact: corp-logistics@example.invalid)"),
		ESIBaseURL:        getEnv("ESI_BASE_URL", "https://esi.evetech.net/latest"),
		TokenURL:          getEnv("ESI_TOKEN_URL", "https://login.eveonline.com/v2/oauth/token"),
		ClientID:          os.Getenv("CLIENT_ID"),
		SecretKey:         os.Getenv("SECRET_KEY"),
		RefreshToken:      os.Getenv("REFRESH_TOKEN"),
		Market: MarketConfig{
			RegionID:    getEnvAsInt("MARKET_REGION_ID", 0),
			SystemID:    getEnvAsInt("MARKET_SYSTEM_ID", 0),
			StructureID: int64(getEnvAsInt("MARKET_STRUCTURE_ID", 0)),
			MarketName:  getEnv("MARKET_NAME", ""),
		},
		Backup: BackupConfig{
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			EndpointURL:     getEnv("BACKUP_ENDPOINT_URL", ""),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
		},
	}

	cfg.databases = buildDatabases(env, cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildDatabases enumerates the finite set of aliases reachable in env.
func buildDatabases(env Environment, dataDir string) map[Alias]DBConfig {
	marketAlias := AliasMarketProd
	if env == Development {
		marketAlias = AliasMarketTest
	}

	dbs := map[Alias]DBConfig{
		marketAlias: {
			Alias:     marketAlias,
			FileName:  string(marketAlias) + ".db",
			RemoteURL: getEnv(envURLKey(marketAlias), ""),
			AuthToken: getEnv(envTokenKey(marketAlias), ""),
		},
		AliasSDE: {
			Alias:     AliasSDE,
			FileName:  "sde.db",
			RemoteURL: getEnv(envURLKey(AliasSDE), ""),
			AuthToken: getEnv(envTokenKey(AliasSDE), ""),
		},
		AliasFittings: {
			Alias:     AliasFittings,
			FileName:  "fittings.db",
			RemoteURL: getEnv(envURLKey(AliasFittings), ""),
			AuthToken: getEnv(envTokenKey(AliasFittings), ""),
		},
	}
	_ = dataDir
	return dbs
}

func envURLKey(a Alias) string   { return upper(string(a)) + "_URL" }
func envTokenKey(a Alias) string { return upper(string(a)) + "_TOKEN" }

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Database returns the resolved DBConfig for alias, failing fast on an
// alias outside the finite enumerated set.
func (c *Config) Database(alias Alias) (DBConfig, error) {
	db, ok := c.databases[alias]
	if !ok {
		return DBConfig{}, errs.ConfigError(fmt.Sprintf("unknown database alias %q", alias), nil)
	}
	return db, nil
}

// MarketAlias returns the alias of the market store for the current environment.
func (c *Config) MarketAlias() Alias {
	if c.Environment == Development {
		return AliasMarketTest
	}
	return AliasMarketProd
}

// Validate checks that required environment variables and market identity
// are present; absence of any of these is fatal before any network I/O.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.SecretKey == "" || c.RefreshToken == "" {
		return errs.ConfigError("CLIENT_ID, SECRET_KEY and REFRESH_TOKEN are required", nil)
	}
	if c.Market.RegionID == 0 || c.Market.StructureID == 0 {
		return errs.ConfigError("market_data.region_id and market_data.structure_id are required", nil)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
