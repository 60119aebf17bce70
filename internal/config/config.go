// Package config holds the settings of a psync run: where to fetch CSV files
// from, which dataset to reconcile them against, and the optional archive and
// journal sinks.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/chmdznr/psync/pkg/errors"
)

const (
	// EnvironmentStaging selects the staging entrypoints of the dataset service.
	EnvironmentStaging = "staging"

	// EnvironmentProduction selects the production entrypoints.
	EnvironmentProduction = "production"

	// DefaultPrefix is the attachment prefix products are published under.
	DefaultPrefix = "/products/"

	// DefaultPattern selects the files fetched from the remote directory.
	DefaultPattern = "*.csv"
)

// Entrypoints of the dataset service per environment.
var entrypoints = map[string]struct{ auth, dataset string }{
	EnvironmentStaging: {
		auth:    "https://beta.data.npolar.no/-/auth/",
		dataset: "https://beta.data.npolar.no/-/api/",
	},
	EnvironmentProduction: {
		auth:    "https://auth.data.npolar.no/",
		dataset: "https://api.data.npolar.no/",
	},
}

// Remote patterns are expanded by the remote shell, so only file name
// characters and the * and ? wildcards are allowed.
var patternRegexp = regexp.MustCompile(`^[A-Za-z0-9._*?-]+$`)

// ValidPattern reports whether pattern is safe to pass to the remote shell.
func ValidPattern(pattern string) bool {
	return patternRegexp.MatchString(pattern)
}

// Config is the complete configuration of a run.
type Config struct {
	Remote         Remote      `json:"remote"`
	LocalDirectory string      `json:"localDirectory"`
	Dataset        Dataset     `json:"dataset"`
	Credentials    Credentials `json:"credentials"`
	Archive        Archive     `json:"archive"`
	Journal        Journal     `json:"journal"`
}

// Remote describes the host the CSV files are fetched from.
type Remote struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	KeyFile    string `json:"keyFile"`
	Passphrase string `json:"passphrase,omitempty"`
	Directory  string `json:"directory"`
	Pattern    string `json:"pattern"`

	// KnownHosts is a known_hosts file used to verify the host key. When it
	// is empty, InsecureIgnoreHostKey must be set to accept any key.
	KnownHosts            string `json:"knownHosts,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecureIgnoreHostKey"`

	Timeout Duration `json:"timeout"`
}

// Address returns host:port.
func (r Remote) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Dataset describes the dataset whose attachments are reconciled.
type Dataset struct {
	ID                string   `json:"id"`
	Prefix            string   `json:"prefix"`
	Query             string   `json:"query,omitempty"`
	Environment       string   `json:"environment"`
	AuthEntrypoint    string   `json:"authEntrypoint,omitempty"`
	DatasetEntrypoint string   `json:"datasetEntrypoint,omitempty"`
	Timeout           Duration `json:"timeout"`
}

// Credentials selects where the dataset service login is read from.
type Credentials struct {
	File string `json:"file,omitempty"`
	Env  string `json:"env"`
}

// Archive configures the optional object store mirror of fetched files.
type Archive struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Folder    string `json:"folder,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Insecure  bool   `json:"insecure,omitempty"`
}

// Enabled reports whether an archive endpoint is configured.
func (a Archive) Enabled() bool {
	return a.Endpoint != ""
}

// Journal configures the SQLite run journal.
type Journal struct {
	Path     string `json:"path"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings such as "30s".
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("duration must be a string: %s", b)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Remote: Remote{
			Port:                  22,
			KeyFile:               "~/.ssh/id_rsa",
			Pattern:               DefaultPattern,
			InsecureIgnoreHostKey: true,
			Timeout:               Duration{30 * time.Second},
		},
		LocalDirectory: "./products",
		Dataset: Dataset{
			Prefix:      DefaultPrefix,
			Environment: EnvironmentStaging,
			Timeout:     Duration{60 * time.Second},
		},
		Credentials: Credentials{Env: "APP_TOKEN"},
		Journal:     Journal{Path: "psync.db"},
	}
}

// Load reads the YAML file at path on top of the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return Config{}, errors.WithContext(err, "expand config path")
		}

		exists, err := afero.Exists(fs, expanded)
		if err != nil {
			return Config{}, errors.WithContext(err, "stat config")
		}
		if !exists {
			return Config{}, errors.ConfigError{Field: "config", Err: fmt.Errorf("%q does not exist", expanded)}
		}

		b, err := afero.ReadFile(fs, expanded)
		if err != nil {
			return Config{}, errors.WithContext(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.ConfigError{Field: "config", Err: err}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("PSYNC_REMOTE_HOST", &cfg.Remote.Host)
	str("PSYNC_REMOTE_USER", &cfg.Remote.User)
	str("PSYNC_KEY_FILE", &cfg.Remote.KeyFile)
	str("PSYNC_KEY_PASSPHRASE", &cfg.Remote.Passphrase)
	str("PSYNC_REMOTE_DIR", &cfg.Remote.Directory)
	str("PSYNC_PATTERN", &cfg.Remote.Pattern)
	str("PSYNC_KNOWN_HOSTS", &cfg.Remote.KnownHosts)
	str("PSYNC_LOCAL_DIR", &cfg.LocalDirectory)
	str("DATASET_ID", &cfg.Dataset.ID)
	str("PSYNC_PREFIX", &cfg.Dataset.Prefix)
	str("PSYNC_QUERY", &cfg.Dataset.Query)
	str("PSYNC_ENVIRONMENT", &cfg.Dataset.Environment)
	str("AUTH_ENTRYPOINT", &cfg.Dataset.AuthEntrypoint)
	str("DATASET_ENTRYPOINT", &cfg.Dataset.DatasetEntrypoint)
	str("PSYNC_AUTH_FILE", &cfg.Credentials.File)
	str("PSYNC_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	str("PSYNC_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	str("PSYNC_ARCHIVE_FOLDER", &cfg.Archive.Folder)
	str("PSYNC_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	str("PSYNC_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	str("PSYNC_JOURNAL", &cfg.Journal.Path)

	if v, ok := lookup("PSYNC_REMOTE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.ConfigError{Field: "PSYNC_REMOTE_PORT", Err: err}
		}
		cfg.Remote.Port = port
	}
	return nil
}

// Entrypoints returns the auth and dataset entrypoints, honouring explicit
// overrides before falling back to the environment defaults.
func (d Dataset) Entrypoints() (auth, dataset string, err error) {
	defaults, ok := entrypoints[d.Environment]
	if !ok && (d.AuthEntrypoint == "" || d.DatasetEntrypoint == "") {
		return "", "", errors.ConfigError{
			Field: "dataset.environment",
			Err:   fmt.Errorf("unknown environment %q", d.Environment),
		}
	}

	auth, dataset = defaults.auth, defaults.dataset
	if d.AuthEntrypoint != "" {
		auth = d.AuthEntrypoint
	}
	if d.DatasetEntrypoint != "" {
		dataset = d.DatasetEntrypoint
	}
	return auth, dataset, nil
}

// ValidateRemote checks the settings needed to fetch files and expands the
// key and known_hosts paths.
func (cfg *Config) ValidateRemote() error {
	r := &cfg.Remote
	required := []struct {
		field, value string
	}{
		{"remote.host", r.Host},
		{"remote.user", r.User},
		{"remote.keyFile", r.KeyFile},
		{"remote.directory", r.Directory},
		{"localDirectory", cfg.LocalDirectory},
	}
	for _, req := range required {
		if strings.TrimSpace(req.value) == "" {
			return errors.ConfigError{Field: req.field, Err: errors.New("required")}
		}
	}

	if r.Port <= 0 || r.Port > 65535 {
		return errors.ConfigError{Field: "remote.port", Err: fmt.Errorf("out of range: %d", r.Port)}
	}
	if !ValidPattern(r.Pattern) {
		return errors.ConfigError{Field: "remote.pattern", Err: fmt.Errorf("unsupported pattern %q", r.Pattern)}
	}
	if r.KnownHosts == "" && !r.InsecureIgnoreHostKey {
		return errors.ConfigError{
			Field: "remote.knownHosts",
			Err:   errors.New("required unless insecureIgnoreHostKey is set"),
		}
	}

	var err error
	if r.KeyFile, err = homedir.Expand(r.KeyFile); err != nil {
		return errors.ConfigError{Field: "remote.keyFile", Err: err}
	}
	if r.KnownHosts != "" {
		if r.KnownHosts, err = homedir.Expand(r.KnownHosts); err != nil {
			return errors.ConfigError{Field: "remote.knownHosts", Err: err}
		}
	}
	return nil
}

// ValidateDataset checks the settings needed to reconcile attachments.
func (cfg *Config) ValidateDataset() error {
	if strings.TrimSpace(cfg.LocalDirectory) == "" {
		return errors.ConfigError{Field: "localDirectory", Err: errors.New("required")}
	}
	if cfg.Dataset.ID == "" {
		return errors.ConfigError{Field: "dataset.id", Err: errors.New("required")}
	}
	if _, err := uuid.Parse(cfg.Dataset.ID); err != nil {
		return errors.ConfigError{Field: "dataset.id", Err: err}
	}
	if !strings.HasPrefix(cfg.Dataset.Prefix, "/") || !strings.HasSuffix(cfg.Dataset.Prefix, "/") {
		return errors.ConfigError{
			Field: "dataset.prefix",
			Err:   fmt.Errorf("must start and end with '/': %q", cfg.Dataset.Prefix),
		}
	}
	if _, _, err := cfg.Dataset.Entrypoints(); err != nil {
		return err
	}
	if cfg.Credentials.File == "" && cfg.Credentials.Env == "" {
		return errors.ConfigError{Field: "credentials", Err: errors.ErrMissingCredentials}
	}
	return nil
}

// ValidateArchive checks the archive settings when an archive is configured.
func (cfg *Config) ValidateArchive() error {
	a := cfg.Archive
	if !a.Enabled() {
		return nil
	}
	if a.Bucket == "" {
		return errors.ConfigError{Field: "archive.bucket", Err: errors.New("required")}
	}
	if a.AccessKey == "" || a.SecretKey == "" {
		return errors.ConfigError{Field: "archive.accessKey", Err: errors.New("access and secret key are required")}
	}
	return nil
}
