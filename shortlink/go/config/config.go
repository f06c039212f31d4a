// Package config loads the instance configuration from the environment.
package config

import (
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
)

// Config is the full instance configuration.
type Config struct {
	Port    int    `env:"PORT,default=8080"`
	AppEnv  string `env:"APP_ENV,default=development"`

	// SystemDomain is the canonical host this process serves; links with no
	// custom domain resolve under it.
	SystemDomain string `env:"SYSTEM_DOMAIN,default=localhost:8080"`

	// ServerIP is advertised in the DNS setup instructions shown to domain
	// owners.
	ServerIP string `env:"SERVER_IP"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	ElasticsearchURL      string `env:"ELASTICSEARCH_URL"`
	ElasticsearchUsername string `env:"ELASTICSEARCH_USERNAME"`
	ElasticsearchPassword string `env:"ELASTICSEARCH_PASSWORD"`

	// RequireElasticsearch makes startup fail when the analytics index is
	// unreachable, instead of degrading to mock mode.
	RequireElasticsearch bool `env:"REQUIRE_ELASTICSEARCH,default=false"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER,default=shortlink"`
	JWTAudience string `env:"JWT_AUDIENCE,default=shortlink-api"`

	// AllowedOrigins is a comma-separated list of origins allowed to call
	// the management API.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	// AutoFetchMetadata enables the background title/OpenGraph fetch for
	// newly created links.
	AutoFetchMetadata bool `env:"AUTO_FETCH_METADATA,default=false"`
}

// Load reads an optional dotenv file, then decodes the environment. An
// absent dotenv file is not an error.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil {
			if !os.IsNotExist(skerr.Unwrap(err)) {
				return nil, skerr.Wrapf(err, "loading %s", dotenvPath)
			}
			sklog.Infof("No dotenv file at %s; using the environment as-is.", dotenvPath)
		}
	}
	var c Config
	if err := envdecode.Decode(&c); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, skerr.Wrapf(err, "decoding environment")
	}
	return &c, nil
}

// IsProduction returns true when running with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}

// SystemHost returns the system domain with any port stripped and
// lowercased, the form used for host comparisons.
func (c *Config) SystemHost() string {
	host := strings.ToLower(c.SystemDomain)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
