package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// serveConfig is the process configuration of the serve command.
type serveConfig struct {
	Addr              string `validate:"required,hostname_port"`
	Issuer            string `validate:"required,url"`
	ClientsFile       string `validate:"required,file"`
	AllowInsecureHTTP bool
	TrustProxy        bool

	Storage         string `validate:"oneof=memory valkey redis"`
	StorageAddr     string `validate:"required_unless=Storage memory"`
	StoragePassword string
	EncryptionKey   string `validate:"omitempty,base64"`

	DBDriver string `validate:"oneof=sqlite postgres"`
	DBDSN    string `validate:"required"`

	SigningKey       string   `validate:"omitempty,file"`
	VerificationKeys []string `validate:"dive,file"`

	Pepper         string        `validate:"required,min=16"`
	AccessTokenTTL time.Duration `validate:"min=0"`
	LoginCodeTTL   time.Duration `validate:"min=0"`
	RateLimit      float64       `validate:"min=0"`
	RateBurst      int           `validate:"min=0"`

	Metrics      bool
	LogClientIPs bool
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "optional YAML config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("issuer", "", "issuer URL, e.g. https://auth.example")
	flags.String("clients", "clients.yaml", "client registry file")
	flags.Bool("allow-insecure-http", false, "allow an http issuer outside localhost (development only)")
	flags.Bool("trust-proxy", false, "trust X-Forwarded-For for client IPs")

	flags.String("storage", "memory", "flow state backend: memory, valkey or redis")
	flags.String("storage-addr", "", "valkey address (host:port) or redis URL")
	flags.String("storage-password", "", "valkey password")
	flags.String("encryption-key", "", "base64 AES-256 key for stored records")

	flags.String("db-driver", "sqlite", "user database: sqlite or postgres")
	flags.String("db-dsn", "issuer.db", "user database DSN")

	flags.String("signing-key", "", "PEM signing key; a key is generated per process when empty")
	flags.StringSlice("verification-key", nil, "additional PEM keys accepted for verification")

	flags.String("pepper", "", "secret keying stored login code hashes (at least 16 bytes)")
	flags.Duration("access-token-ttl", time.Hour, "access token lifetime")
	flags.Duration("login-code-ttl", 10*time.Minute, "login code lifetime")
	flags.Float64("rate-limit", 10, "requests per second per client IP, 0 disables")
	flags.Int("rate-burst", 20, "request burst per client IP")

	flags.Bool("metrics", false, "serve Prometheus metrics on /metrics")
	flags.Bool("log-client-ips", false, "attach client IP addresses to trace spans")
}

func loadServeConfig(v *viper.Viper) (*serveConfig, error) {
	cfg := &serveConfig{
		Addr:              v.GetString("addr"),
		Issuer:            strings.TrimSuffix(v.GetString("issuer"), "/"),
		ClientsFile:       v.GetString("clients"),
		AllowInsecureHTTP: v.GetBool("allow-insecure-http"),
		TrustProxy:        v.GetBool("trust-proxy"),
		Storage:           v.GetString("storage"),
		StorageAddr:       v.GetString("storage-addr"),
		StoragePassword:   v.GetString("storage-password"),
		EncryptionKey:     v.GetString("encryption-key"),
		DBDriver:          v.GetString("db-driver"),
		DBDSN:             v.GetString("db-dsn"),
		SigningKey:        v.GetString("signing-key"),
		VerificationKeys:  v.GetStringSlice("verification-key"),
		Pepper:            v.GetString("pepper"),
		AccessTokenTTL:    v.GetDuration("access-token-ttl"),
		LoginCodeTTL:      v.GetDuration("login-code-ttl"),
		RateLimit:         v.GetFloat64("rate-limit"),
		RateBurst:         v.GetInt("rate-burst"),
		Metrics:           v.GetBool("metrics"),
		LogClientIPs:      v.GetBool("log-client-ips"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

// configError names the offending settings by flag.
func configError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", flagName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var fieldFlags = map[string]string{
	"AccessTokenTTL":    "access-token-ttl",
	"AllowInsecureHTTP": "allow-insecure-http",
	"ClientsFile":       "clients",
	"LoginCodeTTL":      "login-code-ttl",
	"DBDriver":          "db-driver",
	"DBDSN":             "db-dsn",
	"VerificationKeys":  "verification-key",
}

// flagName converts a field name such as StorageAddr into its flag storage-addr.
func flagName(field string) string {
	field, _, _ = strings.Cut(field, "[")
	if name, ok := fieldFlags[field]; ok {
		return "--" + name
	}
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return "--" + strings.ToLower(b.String())
}
