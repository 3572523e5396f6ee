// Package config loads client configuration.
//
// Values are resolved in increasing precedence:
//   - built-in defaults,
//   - a YAML file named by --config or BOXOFFICE_CONFIG,
//   - BOXOFFICE_* environment variables (a .env file may supply them),
//   - command-line flags.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BOXOFFICE_"

// Deployment targets.
const (
	Local      = "local"
	Staging    = "staging"
	Production = "production"
)

// Config is the client configuration.
type Config struct {
	// LedgerAddr is the gRPC target of the ledger.
	LedgerAddr string `yaml:"ledger_addr"`

	// Deployment is local, staging or production. Outside production the
	// ledger's root key is fetched on connect.
	Deployment string `yaml:"deployment"`

	// RootKey is the hex Ed25519 key replies must be signed with.
	// Required in production.
	RootKey string `yaml:"root_key"`

	// TLS dials the ledger over TLS with system roots.
	TLS bool `yaml:"tls"`

	IdentityProviderURL string `yaml:"identity_provider_url"`

	// StateDir holds the identity key and the session file.
	StateDir string `yaml:"state_dir"`

	// SessionPassphrase encrypts the session file at rest when set.
	SessionPassphrase string `yaml:"session_passphrase"`

	CallTimeout time.Duration `yaml:"call_timeout"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// AuditDSN stores the command journal in PostgreSQL when set.
	AuditDSN string `yaml:"audit_dsn"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	stateDir := ".boxoffice"
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "boxoffice")
	}
	return Config{
		LedgerAddr:          "127.0.0.1:7443",
		Deployment:          Local,
		IdentityProviderURL: "http://127.0.0.1:7080",
		StateDir:            stateDir,
		CallTimeout:         15 * time.Second,
	}
}

// RootKeyBytes decodes RootKey; nil when unset.
func (c Config) RootKeyBytes() ([]byte, error) {
	if c.RootKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(c.RootKey))
	if err != nil {
		return nil, fmt.Errorf("root_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("root_key: %d bytes, want 32", len(key))
	}
	return key, nil
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.LedgerAddr) == "" {
		errs = append(errs, errors.New("ledger_addr is required"))
	}
	switch c.Deployment {
	case Local, Staging:
	case Production:
		if c.RootKey == "" {
			errs = append(errs, errors.New("root_key is required in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("deployment %q: want local, staging or production", c.Deployment))
	}
	if _, err := c.RootKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.IdentityProviderURL) == "" {
		errs = append(errs, errors.New("identity_provider_url is required"))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads .env-style files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Loader binds the configuration flags to a flag set.
type Loader struct {
	fs    *pflag.FlagSet
	path  string
	flags Config
}

// Register adds the configuration flags to fs.
func Register(fs *pflag.FlagSet) *Loader {
	l := &Loader{fs: fs}
	fs.StringVar(&l.path, "config", "", "YAML configuration file (default $BOXOFFICE_CONFIG)")
	fs.StringVar(&l.flags.LedgerAddr, "ledger", "", "ledger gRPC address")
	fs.StringVar(&l.flags.Deployment, "deployment", "", "deployment target: local, staging or production")
	fs.StringVar(&l.flags.RootKey, "root-key", "", "hex Ed25519 root key (required in production)")
	fs.BoolVar(&l.flags.TLS, "tls", false, "dial the ledger over TLS")
	fs.StringVar(&l.flags.IdentityProviderURL, "provider", "", "identity provider URL")
	fs.StringVar(&l.flags.StateDir, "state-dir", "", "directory for the identity key and session")
	fs.DurationVar(&l.flags.CallTimeout, "timeout", 0, "timeout for each ledger call")
	fs.StringVar(&l.flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&l.flags.AuditDSN, "audit-dsn", "", "PostgreSQL DSN for the command journal")
	return l
}

// Load resolves the configuration after the flag set has been parsed.
// lookup reads the environment; nil means os.LookupEnv.
func (l *Loader) Load(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Defaults()

	path := l.path
	if path == "" {
		path, _ = lookup(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	l.applyFlags(&cfg)

	cfg.Deployment = strings.ToLower(strings.TrimSpace(cfg.Deployment))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LEDGER_ADDR":           &cfg.LedgerAddr,
		"DEPLOYMENT":            &cfg.Deployment,
		"ROOT_KEY":              &cfg.RootKey,
		"IDENTITY_PROVIDER_URL": &cfg.IdentityProviderURL,
		"STATE_DIR":             &cfg.StateDir,
		"SESSION_PASSPHRASE":    &cfg.SessionPassphrase,
		"METRICS_ADDR":          &cfg.MetricsAddr,
		"AUDIT_DSN":             &cfg.AuditDSN,
	}
	for key, dst := range str {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(envPrefix + "CALL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCALL_TIMEOUT: %w", envPrefix, err)
		}
		cfg.CallTimeout = d
	}
	if v, ok := lookup(envPrefix + "TLS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTLS: %w", envPrefix, err)
		}
		cfg.TLS = b
	}
	return nil
}

func (l *Loader) applyFlags(cfg *Config) {
	set := func(name string, apply func()) {
		if l.fs.Changed(name) {
			apply()
		}
	}
	set("ledger", func() { cfg.LedgerAddr = l.flags.LedgerAddr })
	set("deployment", func() { cfg.Deployment = l.flags.Deployment })
	set("root-key", func() { cfg.RootKey = l.flags.RootKey })
	set("tls", func() { cfg.TLS = l.flags.TLS })
	set("provider", func() { cfg.IdentityProviderURL = l.flags.IdentityProviderURL })
	set("state-dir", func() { cfg.StateDir = l.flags.StateDir })
	set("timeout", func() { cfg.CallTimeout = l.flags.CallTimeout })
	set("metrics-addr", func() { cfg.MetricsAddr = l.flags.MetricsAddr })
	set("audit-dsn", func() { cfg.AuditDSN = l.flags.AuditDSN })
}
