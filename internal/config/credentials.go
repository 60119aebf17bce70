package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/chmdznr/psync/pkg/errors"
)

// Login holds the username and password for the dataset service.
type Login struct {
	Username string
	Password string
}

// String hides the password.
func (l Login) String() string {
	return fmt.Sprintf("%s:***", l.Username)
}

// LoadCredentials reads the dataset service login. A credentials file takes
// precedence over the environment variable.
func (c Credentials) LoadCredentials() (Login, error) {
	return c.load(os.LookupEnv)
}

func (c Credentials) load(lookup func(string) (string, bool)) (Login, error) {
	if c.File != "" {
		return readCredentialsFile(c.File)
	}
	if c.Env == "" {
		return Login{}, errors.ConfigError{Field: "credentials", Err: errors.ErrMissingCredentials}
	}

	token, ok := lookup(c.Env)
	if !ok || strings.TrimSpace(token) == "" {
		return Login{}, errors.ConfigError{Field: c.Env, Err: errors.New("is not set")}
	}
	return ParseToken(c.Env, token)
}

// ParseToken decodes a base64 encoded "username:password" token. field names
// the source of the token in errors.
func ParseToken(field, token string) (Login, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Login{}, errors.ConfigError{Field: field, Err: errors.WithContext(err, "decode base64")}
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return Login{}, errors.ConfigError{
			Field: field,
			Err:   errors.New("decoded token must be in the format 'username:password'"),
		}
	}
	return newLogin(field, parts[0], parts[1])
}

func readCredentialsFile(path string) (Login, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Login{}, errors.ConfigError{Field: "credentials.file", Err: err}
	}

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) < 2 {
		return Login{}, errors.ConfigError{
			Field: "credentials.file",
			Err:   errors.New("file must contain two lines: username and password"),
		}
	}
	return newLogin("credentials.file", lines[0], lines[1])
}

func newLogin(field, username, password string) (Login, error) {
	login := Login{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	}
	if login.Username == "" || login.Password == "" {
		return Login{}, errors.ConfigError{Field: field, Err: errors.New("username and password must not be empty")}
	}
	return login, nil
}
