// Package config reads the Core's process configuration from
// environment variables. Config-file parsing belongs to external
// loaders; this package declares the typed surface the Core consumes
// and decomposes the database URI into the discrete fields the store
// dials with.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
)

type Security struct {
	JWTSignSecret          string
	JWTVerifySecrets       []string
	JWTRotationGraceSecs   int
}

type NATS struct {
	URL             string
	Token           string
	StreamReplicas  int
	StreamMaxBytes  int64
}

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type Plugins struct {
	BasePath string
	Secret   string
}

type Audit struct {
	HMACSecret string
	HMACKeyID  string
}

type Runtime struct {
	Mode               string
	QueryMaxTimeMS      int
}

type Config struct {
	Security Security
	NATS     NATS
	Database Database
	Plugins  Plugins
	Audit    Audit
	Runtime  Runtime
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-.]{0,253}[a-zA-Z0-9])?$`)

// validateHost mirrors internal/db/database.go's validateConfig host
// check: accept a literal IP, else a syntactically valid hostname.
func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid host: %s", host)
	}
	return nil
}

// FromEnv reads Config from the process environment (with the
// documented legacy fallback for the Mongo URI only).
func FromEnv() (*Config, error) {
	c := &Config{
		Security: Security{
			JWTSignSecret:        os.Getenv("MERISTEM_SECURITY_JWT_SIGN_SECRET"),
			JWTRotationGraceSecs: atoiDefault(os.Getenv("MERISTEM_SECURITY_JWT_ROTATION_GRACE_SECONDS"), 300),
		},
		NATS: NATS{
			URL:            os.Getenv("MERISTEM_NATS_URL"),
			Token:          os.Getenv("MERISTEM_NATS_TOKEN"),
			StreamReplicas: atoiDefault(os.Getenv("NATS_STREAM_REPLICAS"), 1),
			StreamMaxBytes: atoi64Default(os.Getenv("NATS_STREAM_MAX_BYTES"), 1<<30),
		},
		Database: databaseFromEnv(),
		Plugins: Plugins{
			BasePath: os.Getenv("MERISTEM_PLUGIN_BASE_PATH"),
			Secret:   os.Getenv("MERISTEM_PLUGIN_SECRET"),
		},
		Audit: Audit{
			HMACSecret: os.Getenv("MERISTEM_AUDIT_HMAC_SECRET"),
			HMACKeyID:  os.Getenv("MERISTEM_AUDIT_HMAC_KEY_ID"),
		},
		Runtime: Runtime{
			Mode:           os.Getenv("MERISTEM_RUNTIME_MODE"),
			QueryMaxTimeMS: atoiDefault(os.Getenv("MERISTEM_DATABASE_QUERY_MAX_TIME_MS"), 5000),
		},
	}

	verify := os.Getenv("MERISTEM_SECURITY_JWT_VERIFY_SECRETS")
	for _, s := range strings.Split(verify, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			c.Security.JWTVerifySecrets = append(c.Security.JWTVerifySecrets, s)
		}
	}
	// The sign secret is always a valid verifier, even if the operator
	// forgot to list it; the verify set is always a superset of sign.
	if c.Security.JWTSignSecret != "" && !contains(c.Security.JWTVerifySecrets, c.Security.JWTSignSecret) {
		c.Security.JWTVerifySecrets = append(c.Security.JWTVerifySecrets, c.Security.JWTSignSecret)
	}

	if err := validateHost(c.Database.Host); err != nil {
		return nil, fmt.Errorf("invalid MERISTEM_DATABASE_HOST: %w", err)
	}

	return c, nil
}

// databaseFromEnv reads MERISTEM_DATABASE_MONGO_URI (with the
// documented MONGO_URI legacy fallback) and decomposes
// it into the discrete fields the Store driver actually dials with;
// any discrete MERISTEM_DATABASE_* variable present overrides its
// URI-derived counterpart, the same "explicit field wins over parsed
// default" precedence internal/db.Config uses for its DSN pieces.
func databaseFromEnv() Database {
	d := Database{
		Host:    "localhost",
		Port:    "5432",
		SSLMode: "disable",
	}
	if uri := firstNonEmpty(os.Getenv("MERISTEM_DATABASE_MONGO_URI"), os.Getenv("MONGO_URI")); uri != "" {
		if u, err := url.Parse(uri); err == nil {
			if h := u.Hostname(); h != "" {
				d.Host = h
			}
			if p := u.Port(); p != "" {
				d.Port = p
			}
			if u.User != nil {
				d.User = u.User.Username()
				if pw, ok := u.User.Password(); ok {
					d.Password = pw
				}
			}
			if name := strings.TrimPrefix(u.Path, "/"); name != "" {
				d.DBName = name
			}
		}
	}
	d.Host = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_HOST"), d.Host)
	d.Port = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_PORT"), d.Port)
	d.User = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_USER"), d.User)
	d.Password = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_PASSWORD"), d.Password)
	d.DBName = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_NAME"), d.DBName)
	d.SSLMode = firstNonEmpty(os.Getenv("MERISTEM_DATABASE_SSL_MODE"), d.SSLMode)
	return d
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
